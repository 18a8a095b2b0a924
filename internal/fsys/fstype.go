// Package fsys probes mount properties and copies directory trees. The ACL
// layer needs to know whether a workspace lives on an NFS mount, because
// NFSv4 and POSIX ACLs are incompatible models.
package fsys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IsNFS reports whether path resides on an NFS-based mount. For paths that
// do not exist yet, the nearest existing parent is probed instead, so the
// answer is valid for files about to be created.
func IsNFS(path string) (bool, error) {
	return isNFSWithDetector(path, detectFilesystemType)
}

func isNFSWithDetector(path string, detector func(string) (string, error)) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return false, fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return false, fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	return isNFSType(fsType), nil
}

// NearestExistingPath walks up from path to the closest component that
// exists. Callers use it to pick scratch directories next to a path that
// is about to be created.
func NearestExistingPath(path string) (string, error) {
	return nearestExistingPath(path)
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

// isNFSType matches nfs, nfs4 and friends.
func isNFSType(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	return strings.HasPrefix(normalized, "nfs")
}
