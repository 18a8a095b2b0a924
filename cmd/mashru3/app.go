package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/leibniz-psychology/mashru3/internal/acl"
	"github.com/leibniz-psychology/mashru3/internal/archive"
	"github.com/leibniz-psychology/mashru3/internal/config"
	"github.com/leibniz-psychology/mashru3/internal/lock"
	"github.com/leibniz-psychology/mashru3/internal/log"
	"github.com/leibniz-psychology/mashru3/internal/run"
	"github.com/leibniz-psychology/mashru3/internal/workspace"
)

// Exit codes are part of the tool's interface; callers script against
// them.
const (
	exitOK         = 0
	exitError      = 1
	exitUsage      = 2
	exitExecError  = 3
	exitBusy       = 4
	exitBuildError = 5
)

type outputFormat int

const (
	formatHuman outputFormat = iota
	formatYAML
	formatJSON
)

func parseFormat(s string) (outputFormat, error) {
	switch s {
	case "human":
		return formatHuman, nil
	case "yaml":
		return formatYAML, nil
	case "json":
		return formatJSON, nil
	default:
		return 0, fmt.Errorf("unknown output format %q", s)
	}
}

// stringList collects repeatable string flags.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// globalOptions are the flags every subcommand accepts.
type globalOptions struct {
	verbose   bool
	formatStr string
	directory string
	configs   stringList

	format outputFormat
}

func registerGlobals(fs *flag.FlagSet) *globalOptions {
	g := &globalOptions{}
	fs.BoolVar(&g.verbose, "v", false, "Verbose output")
	fs.StringVar(&g.formatStr, "f", "human", "Output format: human, yaml or json")
	fs.StringVar(&g.directory, "d", ".", "Workspace directory")
	fs.Var(&g.configs, "c", "Extra configuration file (repeatable)")
	return g
}

func (g *globalOptions) finish() error {
	format, err := parseFormat(g.formatStr)
	if err != nil {
		return err
	}
	g.format = format
	return nil
}

// emit prints a result in the selected format. human is only used for
// the human format and may be empty to stay quiet.
func (g *globalOptions) emit(v any, human string) {
	switch g.format {
	case formatHuman:
		if human != "" {
			fmt.Println(human)
		}
	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			log.Error("cannot render output", "error", err)
			return
		}
		os.Stdout.Write(data)
		fmt.Println("---")
	case formatJSON:
		data, err := json.Marshal(v)
		if err != nil {
			log.Error("cannot render output", "error", err)
			return
		}
		os.Stdout.Write(data)
		fmt.Println()
	}
}

func (g *globalOptions) emitWorkspace(w *workspace.Workspace) {
	g.emit(w.Map(), w.Dir)
}

// app wires the engine components together for one invocation.
type app struct {
	cfg      *config.Config
	runner   run.Runner
	acl      *acl.Manager
	ws       *workspace.Manager
	archiver *archive.Archiver
}

func newApp(g *globalOptions) (*app, error) {
	if err := g.finish(); err != nil {
		return nil, err
	}

	paths := append(config.DiscoveryPaths(), g.configs...)
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if g.verbose {
		level = "debug"
	}
	log.Setup(level)

	runner := run.New()
	aclManager := acl.New(runner, acl.Programs{
		Setfacl:     cfg.Programs.Setfacl,
		Getfacl:     cfg.Programs.Getfacl,
		Nfs4Setfacl: cfg.Programs.Nfs4Setfacl,
		Nfs4Getfacl: cfg.Programs.Nfs4Getfacl,
	})

	return &app{
		cfg:      cfg,
		runner:   runner,
		acl:      aclManager,
		ws:       workspace.NewManager(cfg, runner, aclManager),
		archiver: archive.New(runner, archive.Programs{
			Zip:   cfg.Programs.Zip,
			Unzip: cfg.Programs.Unzip,
			Tar:   cfg.Programs.Tar,
			Lzip:  cfg.Programs.Lzip,
		}),
	}, nil
}

// openWorkspace opens the workspace selected by -d.
func (a *app) openWorkspace(g *globalOptions) (*workspace.Workspace, error) {
	w, err := a.ws.Open(g.directory)
	if err != nil {
		return nil, fmt.Errorf("%q is not a valid workspace: %w", g.directory, err)
	}
	return w, nil
}

// signalContext cancels on the signals an interactive tool receives; the
// runner turns the cancellation into SIGTERM for its children.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}

// reportError maps the error taxonomy to exit codes and emits a machine
// readable status for scripted callers.
func (g *globalOptions) reportError(err error) int {
	var execErr *run.ExecutionFailed
	switch {
	case errors.Is(err, lock.ErrBusy):
		log.Error("workspace is currently busy, try again")
		g.emit(map[string]any{"status": "busy"}, "")
		return exitBusy
	case errors.As(err, &execErr):
		log.Error("external command failed",
			"command", execErr.Command, "exit_code", execErr.ExitCode)
		g.emit(map[string]any{
			"status":     "exec_error",
			"command":    execErr.Command,
			"returncode": execErr.ExitCode,
			"stdout":     string(execErr.Stdout),
			"stderr":     string(execErr.Stderr),
		}, "")
		return exitExecError
	default:
		log.Error(err.Error())
		return exitError
	}
}

// reportSync maps a profile synchronization outcome to an exit code.
func (g *globalOptions) reportSync(res workspace.SyncResult) int {
	switch res.Status {
	case workspace.StatusBroken:
		log.Error("the manifest is broken and the profile cannot be built")
		g.emit(map[string]any{"status": "workspace_broken"}, "")
		return exitBuildError
	case workspace.StatusPackageFailure:
		log.Error("some packages failed to build", "packages", res.FailedPackages)
		g.emit(map[string]any{
			"status":   "package_build_error",
			"packages": res.FailedPackages,
		}, "")
		return exitBuildError
	default:
		return exitOK
	}
}

// userIgnoreFile is where 'mashru3 ignore' records hidden workspaces.
func userIgnoreFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", config.ToolName, "ignore.yaml")
}

// systemIgnoreFile lists workspaces hidden for all users of the machine.
func systemIgnoreFile() string {
	return filepath.Join("/etc", config.ToolName, "ignore.yaml")
}

// loadIgnoreRules reads ignore files, skipping missing ones. Each file is
// a YAML list of "attr:pattern" strings.
func loadIgnoreRules(paths []string) ([]workspace.IgnoreRule, error) {
	var rules []workspace.IgnoreRule
	for _, path := range paths {
		if path == "" {
			continue
		}
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("read ignore file %q: %w", path, err)
		}

		var entries []string
		if err := yaml.Unmarshal(b, &entries); err != nil {
			return nil, fmt.Errorf("parse ignore file %q: %w", path, err)
		}
		for _, e := range entries {
			rule, err := workspace.ParseIgnoreRule(e)
			if err != nil {
				log.Warn("skipping malformed ignore rule", "file", path, "rule", e)
				continue
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}
