package meta

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/leibniz-psychology/mashru3/internal/lock"
)

func TestDocumentDirtyTracking(t *testing.T) {
	t.Parallel()

	d := NewDocument()
	if !d.Dirty() {
		t.Fatal("new document must be dirty")
	}

	d.markClean()
	if d.Dirty() {
		t.Fatal("markClean should clear dirty flag")
	}

	d.Delete("no-such-key")
	if d.Dirty() {
		t.Fatal("deleting an absent key is not a mutation")
	}

	d.Set(KeyName, "My Project")
	if !d.Dirty() {
		t.Fatal("Set must mark document dirty")
	}
}

func TestDocumentKeyOrder(t *testing.T) {
	t.Parallel()

	d := NewDocument()
	d.Set(KeyID, "lusab-babad-kuzib-zapod")
	d.Set(KeyName, "x")
	d.Set("custom", 42)
	d.Delete(KeyName)
	d.Set("another", "y")

	want := []string{KeyVersion, KeyID, "custom", "another"}
	if got := d.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
}

func TestLoadFlushRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "workspace.yaml")

	d := NewDocument()
	d.Set(KeyID, "lusab-babad-kuzib-zapod")
	d.Set(KeyCreator, "alice")
	d.Set("project-id", "P-17")
	if err := Flush(path, d); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if d.Dirty() {
		t.Fatal("document should be clean after flush")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Dirty() {
		t.Fatal("loaded document must start clean")
	}
	if got := loaded.GetString(KeyID); got != "lusab-babad-kuzib-zapod" {
		t.Fatalf("_id = %q", got)
	}
	if got := loaded.GetString("project-id"); got != "P-17" {
		t.Fatalf("project-id = %q", got)
	}
	if v, _ := loaded.Get(KeyVersion); v != 1 {
		t.Fatalf("version = %v, want 1", v)
	}
	if !reflect.DeepEqual(loaded.Keys(), d.Keys()) {
		t.Fatalf("key order not preserved: %v vs %v", loaded.Keys(), d.Keys())
	}
}

func TestFlushNoopWhenClean(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "workspace.yaml")
	d := NewDocument()
	if err := Flush(path, d); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Flush(path, loaded); err != nil {
		t.Fatalf("Flush after no mutation: %v", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatal("flush without mutation must not rewrite the file")
	}
}

func TestFlushTakesSiblingLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "workspace.yaml")
	held, err := lock.Acquire(path + ".lock")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	d := NewDocument()
	if err := Flush(path, d); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("Flush under held lock should report ErrBusy, got %v", err)
	}
	if d.Dirty() != true {
		t.Fatal("failed flush must leave document dirty")
	}
}

func TestFlushLeavesNoLockBehind(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "workspace.yaml")
	d := NewDocument()
	if err := Flush(path, d); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := os.Stat(path + ".lock"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file must not exist between operations, stat err = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temporary file must not exist after flush, stat err = %v", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing file should be ErrInvalid, got %v", err)
	}

	malformed := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(malformed, []byte(":\n\t- ["), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(malformed); !errors.Is(err, ErrInvalid) {
		t.Fatalf("malformed file should be ErrInvalid, got %v", err)
	}

	scalar := filepath.Join(dir, "scalar.yaml")
	if err := os.WriteFile(scalar, []byte("just a string\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(scalar); !errors.Is(err, ErrInvalid) {
		t.Fatalf("non-mapping file should be ErrInvalid, got %v", err)
	}
}
