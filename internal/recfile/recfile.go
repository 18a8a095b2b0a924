// Package recfile parses GNU recutils-style record streams, the format
// `guix search` prints: records separated by blank lines, `key: value`
// fields, continuation lines starting with "+".
package recfile

import (
	"bufio"
	"io"
	"strings"
)

// Record is one record's fields in input order.
type Record struct {
	keys   []string
	values map[string]string
}

// Get returns the value of key, or "" when the record has no such field.
func (r *Record) Get(key string) string {
	return r.values[key]
}

// Has reports whether the record has a field named key.
func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Keys returns the field names in input order.
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Map returns the record as a plain map for output formatting.
func (r *Record) Map() map[string]string {
	m := make(map[string]string, len(r.keys))
	for k, v := range r.values {
		m[k] = v
	}
	return m
}

func (r *Record) set(key, value string) {
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

func newRecord() *Record {
	return &Record{values: make(map[string]string)}
}

// Parse reads all records from r. Comment lines (starting with "#") are
// skipped; a line "+ rest" continues the previous field's value with a
// newline and rest.
func Parse(r io.Reader) ([]*Record, error) {
	var records []*Record
	current := newRecord()
	lastKey := ""

	flush := func() {
		if len(current.keys) > 0 {
			records = append(records, current)
		}
		current = newRecord()
		lastKey = ""
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case strings.HasPrefix(line, "#"):
			// comment
		case strings.HasPrefix(line, "+"):
			if lastKey == "" {
				continue
			}
			cont := strings.TrimPrefix(line, "+")
			cont = strings.TrimPrefix(cont, " ")
			current.set(lastKey, current.Get(lastKey)+"\n"+cont)
		default:
			key, value, found := strings.Cut(line, ":")
			if !found {
				continue
			}
			lastKey = strings.TrimSpace(key)
			current.set(lastKey, strings.TrimSpace(value))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return records, nil
}
