package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leibniz-psychology/mashru3/internal/log"
	"github.com/leibniz-psychology/mashru3/internal/manifest"
	"github.com/leibniz-psychology/mashru3/internal/recfile"
	"github.com/leibniz-psychology/mashru3/internal/run"
	"github.com/leibniz-psychology/mashru3/internal/workspace"
)

func runPackageInstalled(args []string) int {
	fs := flag.NewFlagSet("installed", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}
	w, err := a.openWorkspace(g)
	if err != nil {
		return g.reportError(err)
	}
	defer w.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// Listing needs the workspace's own guix, not a full profile sync.
	if err := a.ws.EnsureGuix(ctx, w); err != nil {
		return g.reportError(err)
	}

	pkgs, err := a.ws.InstalledPackages(ctx, w)
	if err != nil {
		return g.reportError(err)
	}
	for _, p := range pkgs {
		g.emit(p, fmt.Sprintf("%s (%s)", p.Name, p.Version))
	}
	return exitOK
}

func runPackageSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	g := registerGlobals(fs)
	limit := fs.Int("limit", 10, "Limit number of search results")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: mashru3 package search [flags] <expression...>")
		return exitUsage
	}

	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}
	w, err := a.openWorkspace(g)
	if err != nil {
		return g.reportError(err)
	}
	defer w.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.ws.EnsureGuix(ctx, w); err != nil {
		return g.reportError(err)
	}

	argv := append([]string{w.GuixBin(), "search"}, fs.Args()...)
	res, err := a.runner.Run(ctx, argv, run.Options{})
	if err != nil {
		return g.reportError(err)
	}

	records, err := recfile.Parse(bytes.NewReader(res.Stdout))
	if err != nil {
		return g.reportError(fmt.Errorf("parse search results: %w", err))
	}
	if *limit > 0 && len(records) > *limit {
		records = records[:*limit]
	}
	for _, r := range records {
		human := fmt.Sprintf("%s (%s)\n  %s\n", r.Get("name"), r.Get("version"), r.Get("synopsis"))
		g.emit(r.Map(), human)
	}
	return exitOK
}

func runPackageModify(args []string) int {
	fs := flag.NewFlagSet("modify", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: mashru3 package modify [flags] <spec...>")
		return exitUsage
	}

	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}
	w, err := a.openWorkspace(g)
	if err != nil {
		return g.reportError(err)
	}
	defer w.Close()

	old := manifest.Default
	if b, err := os.ReadFile(w.ManifestPath()); err == nil {
		old = string(b)
	} else if !errors.Is(err, os.ErrNotExist) {
		return g.reportError(fmt.Errorf("read manifest: %w", err))
	}

	edited, err := manifest.Modify(old, fs.Args())
	if err != nil {
		log.Error("cannot modify manifest", "error", err)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	return a.rebuildWithRevert(ctx, g, w, w.ManifestPath(), old, edited)
}

func runPackageUpgrade(args []string) int {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}
	w, err := a.openWorkspace(g)
	if err != nil {
		return g.reportError(err)
	}
	defer w.Close()

	b, err := os.ReadFile(w.ChannelPath())
	if err != nil {
		return g.reportError(fmt.Errorf("read channels: %w", err))
	}
	old := string(b)

	// Dropping the commit pins makes the next refresh resolve the latest
	// revision of every channel, which upgrades all packages at once.
	unpinned := manifest.UnpinChannels(old)

	ctx, cancel := signalContext()
	defer cancel()

	return a.rebuildWithRevert(ctx, g, w, w.ChannelPath(), old, unpinned)
}

// rebuildWithRevert writes edited to path and rebuilds the profile. Any
// failure puts the previous content back and rebuilds again, so a bad
// edit never leaves the workspace stuck.
func (a *app) rebuildWithRevert(ctx context.Context, g *globalOptions, w *workspace.Workspace, path, old, edited string) int {
	if err := writeViaRename(path, edited); err != nil {
		return g.reportError(err)
	}

	res, err := a.ws.EnsureProfile(ctx, w)
	if err == nil && res.Status != workspace.StatusBroken && res.Status != workspace.StatusPackageFailure {
		g.emitWorkspace(w)
		return exitOK
	}

	log.Error("rebuild failed, reverting changes", "path", path)
	if revertErr := writeViaRename(path, old); revertErr != nil {
		return g.reportError(revertErr)
	}
	if _, revertErr := a.ws.EnsureProfile(ctx, w); revertErr != nil {
		log.Error("rebuild of the reverted state failed too", "error", revertErr)
	}

	if err != nil {
		return g.reportError(err)
	}
	return g.reportSync(res)
}

func writeViaRename(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %q: %w", filepath.Dir(path), err)
	}
	tmp := path + ".new"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %q: %w", path, err)
	}
	return nil
}
