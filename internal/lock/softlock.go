// Package lock provides a crash-safe, cooperative, file-presence-based
// mutual exclusion primitive for unrelated processes sharing a directory,
// including directories on NFS mounts where flock(2) is unreliable.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrBusy is returned when the lock file already exists, i.e. another
// process currently holds the lock. Acquire never blocks or retries;
// retry policy belongs to the caller.
var ErrBusy = errors.New("lock is busy")

// Softlock is a held lock. The lock is visible to every process via the
// existence of the lock file; there is no ownership token and no
// reentrancy.
type Softlock struct {
	path     string
	released bool
}

// Acquire creates the lock file at lockPath with O_CREAT|O_EXCL, which is
// an atomic create-or-fail on the filesystem and therefore free of
// check-then-act races. Parent directories are created as needed.
func Acquire(lockPath string) (*Softlock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	// The file's existence is the lock; the descriptor carries no state.
	if err := f.Close(); err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	return &Softlock{path: lockPath}, nil
}

func (l *Softlock) Path() string { return l.path }

// Release removes the lock file. Past acquisition, cleanup is best-effort:
// if another actor deleted the file or renamed its directory away (the
// workspace was removed out from under us), Release must not fail.
func (l *Softlock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	_ = os.Remove(l.path)
}
