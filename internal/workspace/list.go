package workspace

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreRule hides workspaces from discovery. Attr selects a workspace
// attribute ("directory" or "metadata.<key>"), Pattern is a shell glob
// matched against its value.
type IgnoreRule struct {
	Attr    string
	Pattern string
}

// ParseIgnoreRule parses the "attr:pattern" form used in ignore files.
func ParseIgnoreRule(s string) (IgnoreRule, error) {
	attr, pattern, found := strings.Cut(s, ":")
	if !found {
		return IgnoreRule{}, fmt.Errorf("ignore rule %q: want attr:pattern", s)
	}
	return IgnoreRule{
		Attr:    strings.TrimSpace(attr),
		Pattern: strings.TrimSpace(pattern),
	}, nil
}

// IgnoreRuleForID hides a single workspace by identity.
func IgnoreRuleForID(id string) IgnoreRule {
	return IgnoreRule{Attr: "metadata._id", Pattern: id}
}

func (r IgnoreRule) String() string {
	return r.Attr + ":" + r.Pattern
}

// matches evaluates the rule against a workspace. Unknown attributes
// match nothing.
func (r IgnoreRule) matches(w *Workspace) bool {
	var value string
	switch {
	case r.Attr == "directory":
		value = w.Dir
	case strings.HasPrefix(r.Attr, "metadata."):
		value = w.Meta.GetString(strings.TrimPrefix(r.Attr, "metadata."))
	default:
		return false
	}
	ok, err := path.Match(r.Pattern, value)
	return err == nil && ok
}

// DiscoverOptions adjust workspace discovery.
type DiscoverOptions struct {
	// Ignore hides matching workspaces.
	Ignore []IgnoreRule

	// IncludeHidden also descends into dot-directories.
	IncludeHidden bool
}

// Discover walks the search paths and calls visit for every workspace
// found. Workspaces do not nest: a found workspace's subdirectories are
// not searched. Directories that cannot be read are skipped, not fatal;
// a directory failing to open as a workspace just is not one.
func (m *Manager) Discover(searchPaths []string, opts DiscoverOptions, visit func(*Workspace)) error {
	for _, root := range searchPaths {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", root, err)
		}

		err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				m.logger.Debug("skipping unreadable path", "path", p, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if !opts.IncludeHidden && p != absRoot && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}

			w, err := m.Open(p)
			if err != nil {
				return nil
			}
			if !m.ignored(w, opts.Ignore) {
				visit(w)
			}
			return fs.SkipDir
		})
		if err != nil {
			return fmt.Errorf("search %q: %w", absRoot, err)
		}
	}
	return nil
}

func (m *Manager) ignored(w *Workspace, rules []IgnoreRule) bool {
	for _, r := range rules {
		if r.matches(w) {
			m.logger.Debug("workspace ignored", "workspace", w.Dir, "rule", r.String())
			return true
		}
	}
	return false
}
