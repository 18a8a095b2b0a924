// Package acl translates abstract grant/revoke/snapshot requests into
// POSIX ACL or NFSv4 ACL operations, depending on the mount the target
// path lives on. The two models are incompatible: POSIX uses separate
// default entries for inheritance, NFSv4 uses inherit flags, and NFSv4
// principals must be realm-qualified.
package acl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leibniz-psychology/mashru3/internal/fsys"
	"github.com/leibniz-psychology/mashru3/internal/krb5"
	"github.com/leibniz-psychology/mashru3/internal/log"
	"github.com/leibniz-psychology/mashru3/internal/run"
)

// Target selects the principal class of an ACL entry.
type Target string

const (
	TargetUser  Target = "u"
	TargetGroup Target = "g"
	TargetOther Target = "o"
)

// ParseTarget parses "u", "g" or "o".
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetUser, TargetGroup, TargetOther:
		return Target(s), nil
	}
	return "", fmt.Errorf("unknown permission target %q", s)
}

// Bits is a set of abstract permission bits.
type Bits uint8

const (
	Read Bits = 1 << iota
	Write
	// Traverse is directory search plus file execute. On POSIX it maps to
	// setfacl's capital X so plain files do not become executable.
	Traverse
)

// ReadOnlyBits and ReadWriteBits are the two grant shapes used for
// workspace sharing.
const (
	ReadOnlyBits  = Read | Traverse
	ReadWriteBits = Read | Write | Traverse
)

func (b Bits) posix() string {
	s := ""
	if b&Read != 0 {
		s += "r"
	}
	if b&Write != 0 {
		s += "w"
	}
	if b&Traverse != 0 {
		s += "X"
	}
	if s == "" {
		s = "---"
	}
	return s
}

func (b Bits) nfs4() string {
	s := ""
	if b&Read != 0 {
		s += "R"
	}
	if b&Write != 0 {
		s += "W"
	}
	if b&Traverse != 0 {
		s += "X"
	}
	return s
}

// Options adjust a single grant or revoke.
type Options struct {
	// Default installs an inheriting entry so new files and directories
	// pick up the rights. POSIX: a default ACL entry; NFSv4: fd inherit
	// flags.
	Default bool

	// Recursive applies the change to every existing descendant.
	Recursive bool

	// Revoke clears all bits for the qualifier. Named entries are deleted;
	// the unqualified other class is set to no rights instead, because it
	// always exists.
	Revoke bool
}

// Programs are the external ACL tool paths.
type Programs struct {
	Setfacl     string
	Getfacl     string
	Nfs4Setfacl string
	Nfs4Getfacl string
}

// DefaultPrograms returns $PATH-resolved tool names.
func DefaultPrograms() Programs {
	return Programs{
		Setfacl:     "setfacl",
		Getfacl:     "getfacl",
		Nfs4Setfacl: "nfs4_setfacl",
		Nfs4Getfacl: "nfs4_getfacl",
	}
}

// Manager applies and reads ACLs through external tools.
type Manager struct {
	runner   run.Runner
	programs Programs
	logger   *slog.Logger

	// seams for tests
	isNFS        func(string) (bool, error)
	defaultRealm func() (string, error)
}

// New creates a Manager executing through r.
func New(r run.Runner, programs Programs) *Manager {
	return &Manager{
		runner:       r,
		programs:     programs,
		logger:       log.WithComponent("acl"),
		isNFS:        fsys.IsNFS,
		defaultRealm: krb5.DefaultRealm,
	}
}

// Apply executes one grant or revoke of bits for (target, qualifier) on
// path. Failures of the underlying tool surface as a generic
// cannot-set-permissions error wrapping the command's exit detail; entries
// already applied by earlier calls are not rolled back.
func (m *Manager) Apply(ctx context.Context, target Target, qualifier string, bits Bits, path string, opts Options) error {
	if opts.Revoke && target == TargetUser && qualifier == "" {
		return fmt.Errorf("cannot revoke the owning user's entry")
	}

	nfs, err := m.isNFS(path)
	if err != nil {
		return fmt.Errorf("probe mount of %q: %w", path, err)
	}

	if nfs {
		err = m.applyNFS4(ctx, target, qualifier, bits, path, opts)
	} else {
		err = m.applyPosix(ctx, target, qualifier, bits, path, opts)
	}
	if err != nil {
		return fmt.Errorf("cannot set permissions on %q: %w", path, err)
	}
	return nil
}

// Snapshot reads back the effective permission view for path.
func (m *Manager) Snapshot(ctx context.Context, path string) (View, error) {
	nfs, err := m.isNFS(path)
	if err != nil {
		return View{}, fmt.Errorf("probe mount of %q: %w", path, err)
	}

	var view View
	if nfs {
		view, err = m.snapshotNFS4(ctx, path)
	} else {
		view, err = m.snapshotPosix(ctx, path)
	}
	if err != nil {
		return View{}, fmt.Errorf("cannot read permissions of %q: %w", path, err)
	}

	view.foldOther()
	return view, nil
}

func (m *Manager) applyPosix(ctx context.Context, target Target, qualifier string, bits Bits, path string, opts Options) error {
	argv := []string{m.programs.Setfacl}
	if opts.Recursive {
		argv = append(argv, "-R")
	}

	spec := string(target) + ":" + qualifier
	if opts.Revoke && qualifier != "" {
		// Named entries are removed outright; -x ignores permission bits.
		argv = append(argv, "-x")
	} else {
		argv = append(argv, "-m")
		perms := bits.posix()
		if opts.Revoke {
			perms = "---"
		}
		spec += ":" + perms
	}
	if opts.Default {
		spec = "d:" + spec
	}
	argv = append(argv, spec, path)

	_, err := m.runner.Run(ctx, argv, run.Options{})
	return err
}

// qualifyRealm appends the system default realm to principals that are not
// already realm-qualified. NFSv4 servers reject bare names.
func (m *Manager) qualifyRealm(qualifier string) (string, error) {
	if qualifier == "" || strings.Contains(qualifier, "@") {
		return qualifier, nil
	}
	realm, err := m.defaultRealm()
	if err != nil {
		return "", fmt.Errorf("resolve default realm: %w", err)
	}
	return qualifier + "@" + realm, nil
}
