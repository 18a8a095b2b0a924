// Package desktop discovers XDG desktop entries inside workspace data
// directories. Only the [Desktop Entry] section is read; TryExec is not
// checked because that would require entering the workspace environment.
package desktop

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Entry is a parsed desktop entry. Keys outside the small set the engine
// cares about are kept in Extra.
type Entry struct {
	// ID is the entry's path relative to its applications directory,
	// with slashes replaced by dashes.
	ID string

	Name       string
	Exec       string
	Type       string
	Interfaces []string

	Extra map[string]string
}

// ShellEntry is the synthetic entry that starts a plain shell; every
// workspace offers it.
func ShellEntry() Entry {
	return Entry{
		ID:   "org.leibniz-psychology.mashru3.shell",
		Name: "Shell",
		Type: "Application",
	}
}

// Argv splits the Exec line into an argument vector with shell quoting
// rules, so quoted paths with spaces stay single arguments.
func (e Entry) Argv() ([]string, error) {
	return shellquote.Split(e.Exec)
}

// Discover walks the applications subdirectory of each data directory and
// returns all entries of type Application, sorted by name. Unreadable or
// malformed files are skipped.
func Discover(dataDirs []string) []Entry {
	entries := []Entry{ShellEntry()}

	for _, dataDir := range dataDirs {
		appDir := filepath.Join(dataDir, "applications")
		_ = filepath.WalkDir(appDir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".desktop") {
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return nil
			}
			entry, err := Parse(f)
			f.Close()
			if err != nil {
				return nil
			}

			rel, err := filepath.Rel(appDir, path)
			if err != nil {
				return nil
			}
			entry.ID = strings.ReplaceAll(rel, string(filepath.Separator), "-")

			if entry.Type == "Application" {
				entries = append(entries, entry)
			}
			return nil
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries
}

// Parse reads the [Desktop Entry] section of a desktop file.
func Parse(r io.Reader) (Entry, error) {
	entry := Entry{Extra: make(map[string]string)}
	inSection := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inSection = line == "[Desktop Entry]"
			continue
		}
		if !inSection {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Name":
			entry.Name = value
		case "Exec":
			entry.Exec = value
		case "Type":
			entry.Type = value
		case "Interfaces":
			for _, iface := range strings.Split(value, ";") {
				if iface = strings.TrimSpace(iface); iface != "" {
					entry.Interfaces = append(entry.Interfaces, iface)
				}
			}
		default:
			entry.Extra[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// HasInterface reports whether the entry declares iface.
func (e Entry) HasInterface(iface string) bool {
	for _, i := range e.Interfaces {
		if i == iface {
			return true
		}
	}
	return false
}

// Map renders the entry for output formatting.
func (e Entry) Map() map[string]any {
	out := map[string]any{
		"_id":  e.ID,
		"name": e.Name,
		"type": e.Type,
	}
	if e.Exec != "" {
		out["exec"] = e.Exec
	}
	if len(e.Interfaces) > 0 {
		out["interfaces"] = e.Interfaces
	}
	for k, v := range e.Extra {
		out[strings.ToLower(k)] = v
	}
	return out
}
