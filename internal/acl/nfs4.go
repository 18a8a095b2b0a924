package acl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/leibniz-psychology/mashru3/internal/run"
)

// applyNFS4 grants or revokes via nfs4_setfacl. Inheritance is not a
// separate default entry as with POSIX ACLs but the fd (file- and
// directory-inherit) flag combination on the allow entry itself.
func (m *Manager) applyNFS4(ctx context.Context, target Target, qualifier string, bits Bits, path string, opts Options) error {
	if target == TargetOther {
		qualifier = "EVERYONE@"
	} else {
		var err error
		qualifier, err = m.qualifyRealm(qualifier)
		if err != nil {
			return err
		}
	}

	flags := ""
	if target == TargetGroup {
		flags += "g"
	}

	if opts.Revoke {
		return m.revokeNFS4(ctx, qualifier, path, opts)
	}

	if opts.Default {
		flags += "fd"
	}

	argv := []string{m.programs.Nfs4Setfacl}
	if opts.Recursive {
		argv = append(argv, "-R")
	}
	ace := fmt.Sprintf("A:%s:%s:%s", flags, qualifier, bits.nfs4())
	argv = append(argv, "-a", ace, path)

	_, err := m.runner.Run(ctx, argv, run.Options{})
	return err
}

// revokeNFS4 removes every allow entry for qualifier. nfs4_setfacl -x
// requires the exact entry, so the current ACL is read back first.
func (m *Manager) revokeNFS4(ctx context.Context, qualifier, path string, opts Options) error {
	res, err := m.runner.Run(ctx, []string{m.programs.Nfs4Getfacl, path}, run.Options{})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(bytes.NewReader(res.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, ":", 4)
		if len(fields) != 4 || fields[0] != "A" || fields[2] != qualifier {
			continue
		}

		argv := []string{m.programs.Nfs4Setfacl}
		if opts.Recursive {
			argv = append(argv, "-R")
		}
		argv = append(argv, "-x", line, path)
		if _, err := m.runner.Run(ctx, argv, run.Options{}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// snapshotNFS4 reconstructs the abstract view from nfs4_getfacl output.
func (m *Manager) snapshotNFS4(ctx context.Context, path string) (View, error) {
	res, err := m.runner.Run(ctx, []string{m.programs.Nfs4Getfacl, path}, run.Options{})
	if err != nil {
		return View{}, err
	}

	owner, group, err := ownerNames(path)
	if err != nil {
		return View{}, err
	}
	return parseNfs4Getfacl(res.Stdout, owner, group)
}

func parseNfs4Getfacl(out []byte, owner, group string) (View, error) {
	view := newView()
	view.Owner = owner
	view.Group = group

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, ":", 4)
		if len(fields) != 4 {
			return View{}, fmt.Errorf("unexpected nfs4_getfacl entry %q", line)
		}
		kind, flags, principal, perms := fields[0], fields[1], fields[2], fields[3]
		if kind != "A" {
			// Deny entries are never written by this engine; ignore them
			// instead of guessing how to subtract.
			continue
		}
		bits := nfs4Bits(perms)

		switch principal {
		case "OWNER@":
			view.OwnerBits = unionBits(view.OwnerBits, unionBits(bits, "Tt"))
		case "GROUP@":
			view.GroupBits = unionBits(view.GroupBits, bits)
		case "EVERYONE@":
			view.Other = unionBits(view.Other, bits)
		default:
			if strings.Contains(flags, "g") {
				view.Groups[principal] = unionBits(view.Groups[principal], bits)
			} else {
				view.Users[principal] = unionBits(view.Users[principal], bits)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return View{}, err
	}

	return view, nil
}

// nfs4Bits reduces an NFSv4 permission string to the abstract rwx subset.
func nfs4Bits(perms string) string {
	out := ""
	for _, c := range "rwx" {
		if strings.ContainsRune(perms, c) {
			out += string(c)
		}
	}
	return out
}
