//go:build unix

package acl

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// ownerNames resolves the owning user and group names of path.
func ownerNames(path string) (string, string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", "", fmt.Errorf("lstat %q: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", "", fmt.Errorf("no unix stat for %q", path)
	}

	uid := strconv.FormatUint(uint64(stat.Uid), 10)
	gid := strconv.FormatUint(uint64(stat.Gid), 10)

	ownerName := uid
	if u, err := user.LookupId(uid); err == nil {
		ownerName = u.Username
	}
	groupName := gid
	if g, err := user.LookupGroupId(gid); err == nil {
		groupName = g.Name
	}
	return ownerName, groupName, nil
}
