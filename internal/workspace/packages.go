package workspace

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/leibniz-psychology/mashru3/internal/run"
)

// InstalledPackage is one entry of the profile's package list.
type InstalledPackage struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Output  string `yaml:"output" json:"output"`
	Path    string `yaml:"path" json:"path"`
}

// InstalledPackages lists the packages actually installed into the
// profile. A workspace without its own guix binary has no profile yet and
// yields an empty list.
func (m *Manager) InstalledPackages(ctx context.Context, w *Workspace) ([]InstalledPackage, error) {
	if !exists(w.GuixBin()) {
		return nil, nil
	}

	argv := []string{w.GuixBin(), "package", "-p", w.ProfilePath(), "-I"}
	res, err := m.runner.Run(ctx, argv, run.Options{})
	if err != nil {
		return nil, err
	}
	return parseInstalledPackages(res.Stdout), nil
}

// parseInstalledPackages reads guix's tab-separated -I output: one
// "name version output path" tuple per line. Lines that do not have all
// four fields are skipped.
func parseInstalledPackages(out []byte) []InstalledPackage {
	var pkgs []InstalledPackage
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 4 {
			continue
		}
		pkgs = append(pkgs, InstalledPackage{
			Name:    fields[0],
			Version: fields[1],
			Output:  fields[2],
			Path:    fields[3],
		})
	}
	return pkgs
}
