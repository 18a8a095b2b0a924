// Package meta holds the workspace metadata document and its persistence.
//
// The document is an ordered, string-keyed map with a small set of reserved
// keys plus an open extension bag for caller-defined keys. Mutation marks
// the document dirty; Flush is a no-op for clean documents.
package meta

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current metadata schema version.
const SchemaVersion = 1

// Reserved keys. Everything else is caller-defined.
const (
	KeyVersion  = "version"
	KeyID       = "_id"
	KeyCreated  = "created"
	KeyModified = "modified"
	KeyCreator  = "creator"
	KeyName     = "name"
)

// Document is an ordered key/value metadata document with dirty tracking.
type Document struct {
	keys   []string
	values map[string]any
	dirty  bool
}

// NewDocument returns an empty document carrying only the schema version.
// The fresh version entry counts as a mutation: a newly created document
// must be flushed.
func NewDocument() *Document {
	d := &Document{values: make(map[string]any)}
	d.Set(KeyVersion, SchemaVersion)
	return d
}

// Get returns the value for key.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// GetString returns the value for key rendered as a string, or "" when the
// key is absent.
func (d *Document) GetString(key string) string {
	v, ok := d.values[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Set stores key=value and marks the document dirty. New keys keep their
// insertion position on serialization.
func (d *Document) Set(key string, value any) {
	if _, exists := d.values[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	d.dirty = true
}

// Delete removes key. Deleting an absent key is not a mutation.
func (d *Document) Delete(key string) {
	if _, exists := d.values[key]; !exists {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	d.dirty = true
}

// Keys returns all keys in insertion order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Dirty reports whether the document changed since it was loaded or last
// flushed.
func (d *Document) Dirty() bool { return d.dirty }

func (d *Document) markClean() { d.dirty = false }

// Map returns a plain map copy for output formatting.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// MarshalYAML serializes the document as a mapping in insertion order.
func (d *Document) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range d.keys {
		var keyNode, valueNode yaml.Node
		if err := keyNode.Encode(k); err != nil {
			return nil, fmt.Errorf("encode key %q: %w", k, err)
		}
		if err := valueNode.Encode(d.values[k]); err != nil {
			return nil, fmt.Errorf("encode value for %q: %w", k, err)
		}
		node.Content = append(node.Content, &keyNode, &valueNode)
	}
	return node, nil
}

// UnmarshalYAML loads a mapping node preserving key order. The freshly
// loaded document is clean.
func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("metadata document must be a mapping, got %v", node.Kind)
	}

	d.keys = nil
	d.values = make(map[string]any, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("decode key: %w", err)
		}
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("decode value for %q: %w", key, err)
		}
		if _, exists := d.values[key]; !exists {
			d.keys = append(d.keys, key)
		}
		d.values[key] = value
	}
	d.dirty = false
	return nil
}
