package fsys

import (
	"context"
	"fmt"
	"strings"

	"github.com/leibniz-psychology/mashru3/internal/run"
)

// rsync exit code 23: partial transfer because some files could not be
// read. Unreadable files are skipped rather than failing the whole copy.
const rsyncPartialTransfer = 23

// CopyDir recursively copies source into dest via rsync, preserving
// symlinks, group ownership, the execute bit and modification times.
// Sparse-file and preallocation options are deliberately not used; they do
// not work on NFS.
func CopyDir(ctx context.Context, r run.Runner, rsyncProgram, source, dest string) error {
	if !strings.HasSuffix(source, "/") {
		source += "/"
	}
	if !strings.HasSuffix(dest, "/") {
		dest += "/"
	}

	argv := []string{rsyncProgram,
		"--recursive",
		"--links",
		"--group",
		"--executability",
		"--times",
		source, dest}
	if _, err := r.Run(ctx, argv, run.Options{PermittedExitCodes: []int{0, rsyncPartialTransfer}}); err != nil {
		return fmt.Errorf("copy %q to %q: %w", source, dest, err)
	}
	return nil
}
