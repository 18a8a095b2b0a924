package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireCreatesAndReleaseRemoves(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "workspace.yaml.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file should exist while held: %v", err)
	}

	l.Release()
	if _, err := os.Stat(lockPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file should be gone after release, stat err = %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "sync.lock")
	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := Acquire(lockPath); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire should fail with ErrBusy, got %v", err)
	}

	first.Release()

	third, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	third.Release()
}

func TestAcquireCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), ".cache", "mashru3.ensureProfile.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

func TestReleaseToleratesDeletedLockFile(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "gone.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := os.Remove(lockPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	l.Release() // must not panic or fail
}

func TestReleaseToleratesRemovedParent(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ws")
	lockPath := filepath.Join(dir, "meta.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	l.Release()

	// Double release is a no-op.
	l.Release()
}

func TestReleaseAfterRenameUnblocksNewAcquire(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	oldDir := filepath.Join(root, "old")
	newDir := filepath.Join(root, "new")
	if err := os.Mkdir(oldDir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	l, err := Acquire(filepath.Join(oldDir, "meta.lock"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	l.Release()

	next, err := Acquire(filepath.Join(oldDir, "meta.lock"))
	if err != nil {
		t.Fatalf("Acquire at old path after rename: %v", err)
	}
	next.Release()
}
