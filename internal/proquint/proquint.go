// Package proquint encodes random integers as pronounceable identifiers.
//
// See https://arxiv.org/html/0901.4016 for the encoding. Workspace
// identities are 64-bit values rendered as four dash-joined quints, e.g.
// "lusab-babad-kuzib-zapod".
package proquint

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aiou"
)

// FromUint16 encodes a single 16-bit value as one five-letter quint.
// Quints are big-endian: the highest nibble becomes the first consonant.
func FromUint16(v uint16) string {
	return string([]byte{
		consonants[(v>>12)&0xf],
		vowels[(v>>10)&0x3],
		consonants[(v>>6)&0xf],
		vowels[(v>>4)&0x3],
		consonants[v&0xf],
	})
}

// FromUint64 encodes v as four dash-joined quints, most significant first.
func FromUint64(v uint64) string {
	parts := make([]string, 4)
	for i := 3; i >= 0; i-- {
		parts[3-i] = FromUint16(uint16(v >> (uint(i) * 16)))
	}
	return strings.Join(parts, "-")
}

// NewID returns a fresh identity token built from 64 random bits.
func NewID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return FromUint64(binary.BigEndian.Uint64(buf[:])), nil
}
