package acl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/leibniz-psychology/mashru3/internal/run"
)

// snapshotPosix reads the ACL of path via getfacl and reconstructs the
// abstract view. Mask entries are tool-owned: setfacl recalculates the
// mask on every -m, so the snapshot folds them out instead of intersecting
// rights with them.
func (m *Manager) snapshotPosix(ctx context.Context, path string) (View, error) {
	res, err := m.runner.Run(ctx, []string{m.programs.Getfacl, "-p", path}, run.Options{})
	if err != nil {
		return View{}, err
	}
	return parseGetfacl(res.Stdout)
}

func parseGetfacl(out []byte) (View, error) {
	view := newView()

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			// Owner and owning group come from the getfacl header.
			if name, ok := strings.CutPrefix(line, "# owner:"); ok {
				view.Owner = strings.TrimSpace(name)
			} else if name, ok := strings.CutPrefix(line, "# group:"); ok {
				view.Group = strings.TrimSpace(name)
			}
			continue
		}

		// Entries restricted by the mask carry a trailing
		// "\t#effective:..." annotation; the explicit bits are what we
		// report.
		if idx := strings.IndexAny(line, " \t"); idx >= 0 {
			line = line[:idx]
		}

		fields := strings.Split(line, ":")
		if len(fields) == 4 && fields[0] == "default" {
			// Default entries describe inheritance, not current rights.
			continue
		}
		if len(fields) != 3 {
			return View{}, fmt.Errorf("unexpected getfacl entry %q", line)
		}

		kind, qualifier, perms := fields[0], fields[1], stripDashes(fields[2])
		switch kind {
		case "user":
			if qualifier == "" {
				view.OwnerBits = unionBits(perms, "Tt")
			} else {
				view.Users[qualifier] = unionBits(view.Users[qualifier], perms)
			}
		case "group":
			if qualifier == "" {
				view.GroupBits = perms
			} else {
				view.Groups[qualifier] = unionBits(view.Groups[qualifier], perms)
			}
		case "other":
			view.Other = perms
		case "mask":
			// see above
		default:
			return View{}, fmt.Errorf("unhandled getfacl entry kind %q", kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return View{}, err
	}

	return view, nil
}
