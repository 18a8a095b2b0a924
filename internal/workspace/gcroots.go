package workspace

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/leibniz-psychology/mashru3/internal/run"
)

// addRootsScript registers a workspace's profiles as indirect GC roots.
// It runs inside `guix repl` so it talks to the same daemon the build
// used.
//
//go:embed addroots.scm
var addRootsScript []byte

// EnsureGCRoots protects all store paths referenced by the workspace from
// the garbage collector. Root registrations are keyed by path, so this
// must be repeated after a move.
func (m *Manager) EnsureGCRoots(ctx context.Context, w *Workspace) error {
	script, err := os.CreateTemp("", "mashru3-addroots-*.scm")
	if err != nil {
		return fmt.Errorf("create gc root script: %w", err)
	}
	defer os.Remove(script.Name())

	if _, err := script.Write(addRootsScript); err != nil {
		script.Close()
		return fmt.Errorf("write gc root script: %w", err)
	}
	if err := script.Close(); err != nil {
		return fmt.Errorf("close gc root script: %w", err)
	}

	argv := []string{m.cfg.Programs.Guix, "repl", "--", script.Name(), w.Dir}
	if _, err := m.runner.Run(ctx, argv, run.Options{}); err != nil {
		return err
	}
	return nil
}
