package main

import (
	"encoding/base32"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/leibniz-psychology/mashru3/internal/acl"
	"github.com/leibniz-psychology/mashru3/internal/config"
	"github.com/leibniz-psychology/mashru3/internal/desktop"
	"github.com/leibniz-psychology/mashru3/internal/log"
	"github.com/leibniz-psychology/mashru3/internal/meta"
	"github.com/leibniz-psychology/mashru3/internal/run"
	"github.com/leibniz-psychology/mashru3/internal/workspace"
)

func runCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	name := strings.Join(fs.Args(), " ")
	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}

	dir, err := workspace.NameToPath(name, g.directory)
	if err != nil {
		return g.reportError(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// A site or user skeleton workspace is the preferred starting point.
	for _, skel := range skeletonDirs() {
		src, err := a.ws.Open(skel)
		if err != nil {
			continue
		}
		log.Debug("creating workspace from skeleton", "skeleton", skel)

		w, res, err := a.ws.Copy(ctx, src, dir)
		if err != nil {
			return g.reportError(err)
		}
		defer w.Close()

		// A fresh start, not officially a copy of the skeleton.
		if err := a.ws.ResetMetadata(w); err != nil {
			return g.reportError(err)
		}
		w.Meta.Set(meta.KeyName, name)
		if code := g.reportSync(res); code != exitOK {
			return code
		}
		g.emitWorkspace(w)
		return exitOK
	}

	log.Debug("no skeleton found, creating empty workspace")
	w, res, err := a.ws.Create(ctx, dir, name, nil)
	if err != nil {
		return g.reportError(err)
	}
	defer w.Close()

	if code := g.reportSync(res); code != exitOK {
		return code
	}
	g.emitWorkspace(w)
	return exitOK
}

func skeletonDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", config.ToolName, "skel"))
	}
	return append(dirs, filepath.Join("/etc", config.ToolName, "skel"))
}

// conductorInterface marks applications that expect a forwarded socket.
const conductorInterface = "org.leibniz-psychology.conductor.v1"

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	g := registerGlobals(fs)
	user := fs.String("user", "", "conductor SSH user")
	conductorServer := fs.String("conductor-server", "", "conductor server")
	dryRun := fs.Bool("dry-run", false, "Only print the command")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: mashru3 run [flags] [application]")
		return exitUsage
	}
	application := fs.Arg(0)

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

	res, err := a.ws.EnsureProfile(ctx, w)
	if err != nil {
		return g.reportError(err)
	}
	if code := g.reportSync(res); code != exitOK {
		return code
	}

	entries := desktop.Discover(w.ApplicationSearchDirs())
	if application == "" {
		for _, e := range entries {
			g.emit(e.Map(), e.Name)
		}
		return exitOK
	}

	var matches []desktop.Entry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), strings.ToLower(application)) ||
			strings.EqualFold(e.ID, application) {
			matches = append(matches, e)
		}
	}
	switch {
	case len(matches) == 0:
		log.Error("application not found", "application", application)
		return exitError
	case len(matches) > 1:
		log.Error("multiple applications match", "application", application)
		for _, m := range matches {
			log.Error("candidate", "name", m.Name, "id", m.ID)
		}
		return exitError
	}
	entry := matches[0]

	var argv []string
	var socket string
	if entry.HasInterface(conductorInterface) {
		server := *conductorServer
		if server == "" {
			server = a.cfg.ConductorServer
		}
		if server == "" {
			log.Error("no remote conductor server set up")
			return exitError
		}
		if *user != "" {
			server = *user + "@" + server
		}

		socketDir, err := os.MkdirTemp("", config.ToolName)
		if err != nil {
			return g.reportError(fmt.Errorf("create socket directory: %w", err))
		}
		defer os.RemoveAll(socketDir)
		socket = filepath.Join(socketDir, ".conductor-socket")

		argv = append(argv, a.cfg.Programs.Conductor,
			"-k", socketKey(socket),
			"-r", // replace stale forwards
			server,
			socket,
			"--",
		)
	}

	argv = append(argv, a.ws.EnvironmentCommand(w)...)
	if socket != "" {
		// The app creates the socket itself, so its directory must be
		// shared into the container, not just exposed.
		argv = append(argv, "--share="+filepath.Dir(socket))
	}
	if entry.Exec != "" {
		execArgv, err := entry.Argv()
		if err != nil {
			return g.reportError(fmt.Errorf("desktop entry %q has a malformed Exec line: %w", entry.ID, err))
		}
		// tini handles the pid 1 duties inside the container: zombie
		// reaping, signal forwarding, process group cleanup.
		argv = append(argv, "--",
			a.cfg.Programs.Tini,
			"-p", "SIGTERM",
			"-s",
			"-g",
			"--")
		argv = append(argv, execArgv...)
		if socket != "" {
			argv = append(argv, "-s", socket)
		}
	}

	if *dryRun {
		// quoted, so the printed command can be pasted back into a shell
		fmt.Println(shellquote.Join(argv...))
		return exitOK
	}

	_, err = a.runner.Run(ctx, argv, run.Options{
		Env:    w.EnvironmentExtraEnv(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return g.reportError(err)
	}
	return exitOK
}

// socketKey derives the conductor URL key from the socket path. Short
// enough not to overflow hostname limits and sized so base32 needs no
// padding.
func socketKey(socket string) string {
	sum := blake3.Sum256([]byte(socket))
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).
		EncodeToString(sum[:10]))
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	g := registerGlobals(fs)
	var searchPaths, ignoreFiles stringList
	fs.Var(&searchPaths, "s", "Search path (repeatable)")
	fs.Var(&ignoreFiles, "i", "Extra ignore file (repeatable)")
	all := fs.Bool("a", false, "Search hidden directories")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}

	roots := append([]string(searchPaths), a.cfg.SearchPath...)
	if len(roots) == 0 {
		roots = []string{g.directory}
	}

	rules, err := loadIgnoreRules(append([]string{systemIgnoreFile(), userIgnoreFile()}, ignoreFiles...))
	if err != nil {
		return g.reportError(err)
	}

	err = a.ws.Discover(roots, workspace.DiscoverOptions{
		Ignore:        rules,
		IncludeHidden: *all,
	}, func(w *workspace.Workspace) {
		g.emit(w.Map(), fmt.Sprintf("%s: %s", w.Dir, w.Name()))
	})
	if err != nil {
		return g.reportError(err)
	}
	return exitOK
}

func runShare(args []string) int {
	fs := flag.NewFlagSet("share", flag.ContinueOnError)
	g := registerGlobals(fs)
	write := fs.Bool("w", false, "Grant write permissions as well")
	revoke := fs.Bool("x", false, "Revoke instead of granting")
	force := fs.Bool("force", false, "Override the home directory check")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: mashru3 share [flags] <u:user|g:group|o>...")
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

	// Shared projects must live in a public space: ACLs below a home
	// directory are useless while the home itself blocks traversal.
	if !*force && underHomeDir(w.Dir) {
		log.Error("cannot share projects in your home directory, move them to a public space")
		return exitUsage
	}

	bits := acl.ReadOnlyBits
	if *write {
		bits = acl.ReadWriteBits
		log.Warn("write sharing breaks on files created by other users, enable it only if you know what you are doing")
	}

	ctx, cancel := signalContext()
	defer cancel()

	for _, spec := range fs.Args() {
		target, qualifier, err := parseShareTarget(spec)
		if err != nil {
			log.Error(err.Error())
			return exitUsage
		}

		// Current files first, then the default entries so new files
		// inherit the same rights.
		if err := a.acl.Apply(ctx, target, qualifier, bits, w.Dir,
			acl.Options{Recursive: true, Revoke: *revoke}); err != nil {
			return g.reportError(err)
		}
		if err := a.acl.Apply(ctx, target, qualifier, bits, w.Dir,
			acl.Options{Default: true, Recursive: true, Revoke: *revoke}); err != nil {
			return g.reportError(err)
		}

		if *revoke {
			log.Info("parent directory permissions are not revoked automatically")
			continue
		}
		// Grant traversal up the tree so the target can actually reach
		// the workspace. Best effort: parents may belong to other users.
		for _, parent := range parentDirs(w.Dir) {
			if err := a.acl.Apply(ctx, target, qualifier, acl.ReadOnlyBits, parent,
				acl.Options{}); err != nil {
				log.Debug("cannot set permissions on parent directory", "path", parent, "error", err)
			}
		}
	}

	g.emitWorkspace(w)
	return exitOK
}

// parseShareTarget parses u:name, g:name or the bare o.
func parseShareTarget(spec string) (acl.Target, string, error) {
	kind, qualifier, found := strings.Cut(spec, ":")
	target, err := acl.ParseTarget(kind)
	if err != nil {
		return "", "", fmt.Errorf("invalid share target %q", spec)
	}
	if !found && target != acl.TargetOther {
		return "", "", fmt.Errorf("share target %q needs a name", spec)
	}
	if target == acl.TargetOther && qualifier != "" {
		return "", "", fmt.Errorf("share target %q takes no name", spec)
	}
	return target, qualifier, nil
}

func underHomeDir(dir string) bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	realHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		realHome = home
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		realDir = dir
	}
	rel, err := filepath.Rel(realHome, realDir)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// parentDirs lists the ancestors of dir from the root down, excluding
// the filesystem root and dir itself.
func parentDirs(dir string) []string {
	var parents []string
	for p := filepath.Dir(dir); p != filepath.Dir(p); p = filepath.Dir(p) {
		parents = append(parents, p)
	}
	// reverse to root-first order
	for i, j := 0, len(parents)-1; i < j; i, j = i+1, j-1 {
		parents[i], parents[j] = parents[j], parents[i]
	}
	return parents
}

func runCopy(args []string) int {
	fs := flag.NewFlagSet("copy", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	dest := "."
	if fs.NArg() > 0 {
		dest = fs.Arg(0)
	}

	a, err := newApp(g)
	if err != nil {
		return g.reportError(err)
	}
	src, err := a.openWorkspace(g)
	if err != nil {
		return g.reportError(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	w, res, err := a.ws.Copy(ctx, src, dest)
	if err != nil {
		return g.reportError(err)
	}
	defer w.Close()

	if code := g.reportSync(res); code != exitOK {
		return code
	}
	g.emitWorkspace(w)
	return exitOK
}

func runModify(args []string) int {
	fs := flag.NewFlagSet("modify", flag.ContinueOnError)
	g := registerGlobals(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: mashru3 modify [flags] <key=value...>")
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

	for _, kv := range fs.Args() {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			fmt.Fprintf(os.Stderr, "Invalid key-value pair %q\n", kv)
			return exitUsage
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			w.Meta.Delete(key)
		} else {
			w.Meta.Set(key, value)
		}
	}

	if err := w.Close(); err != nil {
		return g.reportError(err)
	}
	g.emitWorkspace(w)
	return exitOK
}

func runIgnore(args []string) int {
	fs := flag.NewFlagSet("ignore", flag.ContinueOnError)
	g := registerGlobals(fs)
	ignoreFile := fs.String("i", userIgnoreFile(), "Ignore file to update")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *ignoreFile == "" {
		log.Error("cannot determine ignore file location")
		return exitError
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

	entries := map[string]struct{}{}
	if b, err := os.ReadFile(*ignoreFile); err == nil {
		var existing []string
		if err := yaml.Unmarshal(b, &existing); err == nil {
			for _, e := range existing {
				entries[e] = struct{}{}
			}
		}
	}
	entries[workspace.IgnoreRuleForID(w.ID()).String()] = struct{}{}

	list := make([]string, 0, len(entries))
	for e := range entries {
		list = append(list, e)
	}

	if err := os.MkdirAll(filepath.Dir(*ignoreFile), 0o755); err != nil {
		return g.reportError(fmt.Errorf("create ignore directory: %w", err))
	}
	data, err := yaml.Marshal(list)
	if err != nil {
		return g.reportError(err)
	}
	if err := os.WriteFile(*ignoreFile, data, 0o644); err != nil {
		return g.reportError(fmt.Errorf("write ignore file: %w", err))
	}
	return exitOK
}
