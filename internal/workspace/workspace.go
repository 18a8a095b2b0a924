// Package workspace manages workspace directories: opening, creation,
// copying, moving, profile synchronization against the Guix package
// manager, and permission setup. A workspace is a directory carrying a
// metadata document, a declarative package manifest, a pinned channel
// description and a materialized profile.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/leibniz-psychology/mashru3/internal/acl"
	"github.com/leibniz-psychology/mashru3/internal/config"
	"github.com/leibniz-psychology/mashru3/internal/fsys"
	"github.com/leibniz-psychology/mashru3/internal/log"
	"github.com/leibniz-psychology/mashru3/internal/meta"
	"github.com/leibniz-psychology/mashru3/internal/proquint"
	"github.com/leibniz-psychology/mashru3/internal/run"
)

// ErrInvalid marks a directory that is not a valid workspace. It is the
// same sentinel the metadata store uses: a workspace is valid iff its
// metadata file exists and parses.
var ErrInvalid = meta.ErrInvalid

// Workspace is an opened workspace directory plus its metadata document.
type Workspace struct {
	// Dir is the absolute workspace root.
	Dir string

	// Meta is the metadata document. Mutations are flushed by Close.
	Meta *meta.Document

	closed bool
}

// Stable filesystem layout below the workspace root.
func (w *Workspace) ConfigDir() string    { return filepath.Join(w.Dir, ".config") }
func (w *Workspace) CacheDir() string     { return filepath.Join(w.Dir, ".cache") }
func (w *Workspace) GuixDir() string      { return filepath.Join(w.ConfigDir(), "guix") }
func (w *Workspace) GuixCurrent() string  { return filepath.Join(w.GuixDir(), "current") }
func (w *Workspace) GuixBin() string      { return filepath.Join(w.GuixCurrent(), "bin", "guix") }
func (w *Workspace) MetaPath() string     { return filepath.Join(w.ConfigDir(), "workspace.yaml") }
func (w *Workspace) ManifestPath() string { return filepath.Join(w.GuixDir(), "manifest.scm") }
func (w *Workspace) ChannelPath() string  { return filepath.Join(w.GuixDir(), "channels.scm") }
func (w *Workspace) ProfilePath() string  { return filepath.Join(w.Dir, ".guix-profile") }

// ID returns the workspace identity token.
func (w *Workspace) ID() string { return w.Meta.GetString(meta.KeyID) }

// Name returns the display name.
func (w *Workspace) Name() string { return w.Meta.GetString(meta.KeyName) }

// Map renders the workspace for the structured output formats.
func (w *Workspace) Map() map[string]any {
	return map[string]any{
		"directory": w.Dir,
		"metadata":  w.Meta.Map(),
	}
}

// Close flushes pending metadata exactly once. Further Close calls are
// no-ops.
func (w *Workspace) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return meta.Flush(w.MetaPath(), w.Meta)
}

// Manager drives workspace lifecycle operations.
type Manager struct {
	cfg    *config.Config
	runner run.Runner
	acl    *acl.Manager
	logger *slog.Logger

	now      func() time.Time
	username func() (string, error)
}

// NewManager creates a Manager.
func NewManager(cfg *config.Config, runner run.Runner, aclManager *acl.Manager) *Manager {
	return &Manager{
		cfg:      cfg,
		runner:   runner,
		acl:      aclManager,
		logger:   log.WithComponent("workspace"),
		now:      time.Now,
		username: currentUsername,
	}
}

// Open verifies that dir is a valid workspace and loads its metadata.
// Opening never touches any other state: a metadata parse failure aborts
// immediately with ErrInvalid.
func (m *Manager) Open(dir string) (*Workspace, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", dir, err)
	}

	w := &Workspace{Dir: absDir}
	doc, err := meta.Load(w.MetaPath())
	if err != nil {
		return nil, err
	}
	w.Meta = doc
	return w, nil
}

// Create builds a new workspace under suggestedDir. The directory name is
// derived from name (or suggestedDir is used as-is when it does not exist
// yet). Default-inheriting owner permissions are applied before anything
// else is written, so every subsequently created file picks them up; then
// the profile is synchronized and GC roots are registered.
func (m *Manager) Create(ctx context.Context, suggestedDir, name string, overrides map[string]string) (*Workspace, SyncResult, error) {
	dir, err := NameToPath(name, suggestedDir)
	if err != nil {
		return nil, SyncResult{}, err
	}

	username, err := m.username()
	if err != nil {
		return nil, SyncResult{}, fmt.Errorf("resolve current user: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, SyncResult{}, fmt.Errorf("create workspace directory: %w", err)
	}

	if err := m.acl.Apply(ctx, acl.TargetUser, username, acl.ReadWriteBits, dir,
		acl.Options{Default: true, Recursive: true}); err != nil {
		return nil, SyncResult{}, err
	}

	id, err := proquint.NewID()
	if err != nil {
		return nil, SyncResult{}, err
	}

	stamp := m.now().UTC().Format(time.RFC3339)
	doc := meta.NewDocument()
	doc.Set(meta.KeyID, id)
	doc.Set(meta.KeyCreated, stamp)
	doc.Set(meta.KeyModified, stamp)
	doc.Set(meta.KeyCreator, username)
	if name != "" {
		doc.Set(meta.KeyName, name)
	}
	for k, v := range overrides {
		doc.Set(k, v)
	}

	w := &Workspace{Dir: dir, Meta: doc}
	if err := meta.Flush(w.MetaPath(), w.Meta); err != nil {
		return nil, SyncResult{}, err
	}

	res, err := m.EnsureProfile(ctx, w)
	if err != nil {
		return w, res, err
	}
	if err := m.EnsureGCRoots(ctx, w); err != nil {
		return w, res, err
	}
	return w, res, nil
}

// Copy duplicates src byte-for-byte (symlinks, group, executability and
// timestamps preserved; unreadable files skipped), then reopens the copy
// as a logically distinct workspace: fresh identity, freshly validated
// permissions and an independently synchronized profile.
func (m *Manager) Copy(ctx context.Context, src *Workspace, suggestedDir string) (*Workspace, SyncResult, error) {
	dir, err := NameToPath(src.Name(), suggestedDir)
	if err != nil {
		return nil, SyncResult{}, err
	}

	m.logger.Info("copying workspace", "source", src.Dir, "dest", dir)
	if err := fsys.CopyDir(ctx, m.runner, m.cfg.Programs.Rsync, src.Dir, dir); err != nil {
		return nil, SyncResult{}, err
	}

	w, err := m.Open(dir)
	if err != nil {
		return nil, SyncResult{}, err
	}

	// Copies are logically distinct workspaces; two identical identities
	// must never coexist.
	id, err := proquint.NewID()
	if err != nil {
		return nil, SyncResult{}, err
	}
	w.Meta.Set(meta.KeyID, id)
	if err := meta.Flush(w.MetaPath(), w.Meta); err != nil {
		return nil, SyncResult{}, err
	}

	username, err := m.username()
	if err != nil {
		return nil, SyncResult{}, fmt.Errorf("resolve current user: %w", err)
	}
	if err := m.acl.Apply(ctx, acl.TargetUser, username, acl.ReadWriteBits, w.Dir,
		acl.Options{Default: true, Recursive: true}); err != nil {
		return nil, SyncResult{}, err
	}

	res, err := m.EnsureProfile(ctx, w)
	if err != nil {
		return w, res, err
	}
	if err := m.EnsureGCRoots(ctx, w); err != nil {
		return w, res, err
	}
	return w, res, nil
}

// ResetMetadata replaces the metadata document with a fresh one, keeping
// only the identity. A workspace created from a skeleton is a new
// workspace, not a copy of the skeleton, so none of the skeleton's
// metadata survives.
func (m *Manager) ResetMetadata(w *Workspace) error {
	username, err := m.username()
	if err != nil {
		return fmt.Errorf("resolve current user: %w", err)
	}

	stamp := m.now().UTC().Format(time.RFC3339)
	doc := meta.NewDocument()
	doc.Set(meta.KeyID, w.ID())
	doc.Set(meta.KeyCreated, stamp)
	doc.Set(meta.KeyModified, stamp)
	doc.Set(meta.KeyCreator, username)
	w.Meta = doc
	return nil
}

// Move relocates the workspace directory via rename and re-registers GC
// roots, which are keyed by path.
func (m *Manager) Move(ctx context.Context, w *Workspace, dest string) error {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", dest, err)
	}
	if _, err := os.Stat(absDest); err == nil {
		return fmt.Errorf("destination %q exists", absDest)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat destination: %w", err)
	}

	if err := os.Rename(w.Dir, absDest); err != nil {
		return fmt.Errorf("move workspace: %w", err)
	}
	w.Dir = absDest

	return m.EnsureGCRoots(ctx, w)
}

func currentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
