package meta

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/leibniz-psychology/mashru3/internal/lock"
)

// ErrInvalid marks a directory as not being a valid workspace: the metadata
// file is missing, unreadable or malformed. There is no "empty but valid"
// state.
var ErrInvalid = errors.New("invalid workspace metadata")

// Load reads the metadata document at path. Any failure to read or parse
// wraps ErrInvalid so callers can classify with errors.Is.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrInvalid, path, err)
	}

	var d Document
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalid, path, err)
	}
	if d.values == nil {
		return nil, fmt.Errorf("%w: %q is empty", ErrInvalid, path)
	}
	return &d, nil
}

// Flush persists d at path, if it is dirty. The write is serialized across
// processes by a softlock on a sibling lock file and made atomic by writing
// a temporary sibling first and renaming it over the canonical path, so
// concurrent readers observe either the old or the new document in full. A
// crash between write and rename leaves the canonical file untouched.
func Flush(path string, d *Document) error {
	if !d.Dirty() {
		return nil
	}

	b, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("serialize metadata: %w", err)
	}

	l, err := lock.Acquire(path + ".lock")
	if err != nil {
		return err
	}
	defer l.Release()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("write temporary metadata: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace metadata: %w", err)
	}

	d.markClean()
	return nil
}
