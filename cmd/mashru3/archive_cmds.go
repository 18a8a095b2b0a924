package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/leibniz-psychology/mashru3/internal/archive"
	"github.com/leibniz-psychology/mashru3/internal/fsys"
	"github.com/leibniz-psychology/mashru3/internal/log"
	"github.com/leibniz-psychology/mashru3/internal/meta"
	"github.com/leibniz-psychology/mashru3/internal/proquint"
	"github.com/leibniz-psychology/mashru3/internal/workspace"
)

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: mashru3 export [flags] <zip|tar+lzip> <output>")
		return exitUsage
	}

	kind, err := archive.ParseKind(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
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

	output, err := a.archiver.Export(ctx, kind, w.Dir, fs.Arg(1), workspace.NameToDir(w.Name()))
	if err != nil {
		return g.reportError(err)
	}

	g.emit(map[string]any{"path": output}, output)
	return exitOK
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(os.Stderr, "Usage: mashru3 import [flags] <input> [dest]")
		return exitUsage
	}
	input := fs.Arg(0)
	dest := "."
	if fs.NArg() == 2 {
		dest = fs.Arg(1)
	}

	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Scratch space near the destination, so moving the workspace into
	// place is a rename.
	scratchParent, err := fsys.NearestExistingPath(dest)
	if err != nil {
		return g.reportError(err)
	}
	scratch, err := os.MkdirTemp(scratchParent, "mashru3-import-")
	if err != nil {
		return g.reportError(fmt.Errorf("create scratch directory: %w", err))
	}
	defer os.RemoveAll(scratch)

	unpackDir, err := a.archiver.Unpack(ctx, input, scratch)
	if err != nil {
		return g.reportError(err)
	}

	w, err := a.adoptUnpacked(ctx, unpackDir, dest)
	if err != nil {
		return g.reportError(err)
	}
	defer w.Close()

	res, err := a.ws.EnsureProfile(ctx, w)
	if err != nil {
		return g.reportError(err)
	}
	if code := g.reportSync(res); code != exitOK {
		return code
	}

	g.emitWorkspace(w)
	return exitOK
}

// adoptUnpacked finds the workspace root among the unpacked files, moves
// it into place below dest and assigns a fresh identity. Imports are
// copies; the archived identity must not resurface.
func (a *app) adoptUnpacked(ctx context.Context, unpackDir, dest string) (*workspace.Workspace, error) {
	roots, err := archive.CandidateRoots(unpackDir)
	if err != nil {
		return nil, err
	}

	for _, root := range roots {
		w, err := a.ws.Open(root)
		if err != nil {
			log.Debug("not a workspace root", "path", root)
			continue
		}

		target, err := workspace.NameToPath(w.Name(), dest)
		if err != nil {
			return nil, err
		}
		if err := a.ws.Move(ctx, w, target); err != nil {
			return nil, err
		}

		id, err := proquint.NewID()
		if err != nil {
			return nil, err
		}
		w.Meta.Set(meta.KeyID, id)
		return w, nil
	}
	return nil, fmt.Errorf("no valid workspace found in the archive")
}
