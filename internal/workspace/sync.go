package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/leibniz-psychology/mashru3/internal/config"
	"github.com/leibniz-psychology/mashru3/internal/lock"
	"github.com/leibniz-psychology/mashru3/internal/run"
)

// SyncStatus is the closed set of profile synchronization outcomes.
// Classified build failures are values, not errors, so callers can decide
// whether to revert the manifest without dispatching on error types.
type SyncStatus int

const (
	// StatusFresh: the profile already matched its inputs; nothing ran.
	StatusFresh SyncStatus = iota

	// StatusRebuilt: the profile was stale and has been rebuilt.
	StatusRebuilt

	// StatusBroken: the package manager could not load the manifest at
	// all. Callers should offer a full revert to the last-known-good
	// manifest text.
	StatusBroken

	// StatusPackageFailure: specific packages failed to build; the
	// manifest is structurally valid. FailedPackages names them, so
	// callers may revert just the offending additions.
	StatusPackageFailure
)

func (s SyncStatus) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusRebuilt:
		return "rebuilt"
	case StatusBroken:
		return "broken"
	case StatusPackageFailure:
		return "package-failure"
	default:
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
}

// SyncResult is the outcome of EnsureProfile.
type SyncResult struct {
	Status         SyncStatus
	FailedPackages []string

	// Detail carries the failed tool invocation for Broken and
	// PackageFailure outcomes.
	Detail *run.ExecutionFailed
}

// profileState classifies staleness of the materialized profile.
type profileState int

const (
	profileUnbuilt profileState = iota
	profileFresh
	profileStale
)

// EnsureGuix ensures the workspace's own guix binary matches the channel
// file, pulling a fresh one through the host guix when the channel file is
// newer. After a refresh the channel file is rewritten with the exact
// resolved channel set, its modification time reset to the pre-refresh
// profile time so the pin rewrite itself never triggers another refresh.
//
// Usually calling EnsureProfile is enough.
func (m *Manager) EnsureGuix(ctx context.Context, w *Workspace) error {
	l, err := lock.Acquire(filepath.Join(w.CacheDir(), config.ToolName+".ensureGuix.lock"))
	if err != nil {
		return err
	}
	defer l.Release()

	channelMtime := mtimeOf(w.ChannelPath())
	guixbinExists := exists(w.GuixBin())
	var currentMtime time.Time
	if guixbinExists {
		currentMtime = lmtimeOf(w.GuixCurrent())
	}

	if !guixbinExists || channelMtime.After(currentMtime) {
		m.logger.Debug("refreshing guix binary",
			"exists", guixbinExists, "channel_mtime", channelMtime, "profile_mtime", currentMtime)
		if err := os.MkdirAll(w.GuixDir(), 0o755); err != nil {
			return fmt.Errorf("create guix directory: %w", err)
		}

		// Bootstrap through the host guix.
		argv := []string{m.cfg.Programs.Guix, "pull", "-p", w.GuixCurrent()}
		if exists(w.ChannelPath()) {
			argv = append(argv, "-C", w.ChannelPath())
		}
		if _, err := m.runner.Run(ctx, argv, run.Options{}); err != nil {
			m.logger.Error("failed to initialize guix", "error", err)
			return err
		}
	}

	return m.pinChannels(ctx, w, currentMtime)
}

// pinChannels records the exact channel revisions the current guix binary
// was built from, so copies of the workspace resolve the same version.
func (m *Manager) pinChannels(ctx context.Context, w *Workspace, preRefreshMtime time.Time) error {
	tmpPath := w.ChannelPath() + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create channel pin: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	argv := []string{w.GuixBin(), "describe", "-f", "channels"}
	if _, err := m.runner.Run(ctx, argv, run.Options{Stdout: tmp}); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close channel pin: %w", err)
	}

	// Reset the mtime, otherwise the fresh pin file would out-date the
	// guix profile and re-trigger a refresh on every run. A first-time
	// bootstrap has no pre-refresh time; use the new profile's own.
	pinTime := preRefreshMtime
	if pinTime.IsZero() {
		pinTime = lmtimeOf(w.GuixCurrent())
	}
	if err := os.Chtimes(tmpPath, pinTime, pinTime); err != nil {
		return fmt.Errorf("reset channel pin mtime: %w", err)
	}

	if err := os.Rename(tmpPath, w.ChannelPath()); err != nil {
		return fmt.Errorf("replace channel pin: %w", err)
	}
	return nil
}

// EnsureProfile ensures the materialized profile matches the manifest, the
// workspace guix binary and the mandatory package set, rebuilding it when
// stale. The rebuild is serialized by its own lock, distinct from the
// metadata lock, so metadata edits never wait behind a long build. Lock
// contention surfaces immediately as lock.ErrBusy; the loser must not
// attempt the rebuild itself.
func (m *Manager) EnsureProfile(ctx context.Context, w *Workspace) (SyncResult, error) {
	l, err := lock.Acquire(filepath.Join(w.CacheDir(), config.ToolName+".ensureProfile.lock"))
	if err != nil {
		return SyncResult{}, err
	}
	defer l.Release()

	// A runnable guix comes first, one staleness level down.
	if err := m.EnsureGuix(ctx, w); err != nil {
		return SyncResult{}, err
	}

	state, reasons, err := m.profileState(ctx, w)
	if err != nil {
		return SyncResult{}, err
	}
	if state == profileFresh {
		return SyncResult{Status: StatusFresh}, nil
	}

	m.logger.Debug("refreshing profile", "reasons", reasons)
	argv := []string{w.GuixBin(), "package",
		"-p", w.ProfilePath(),
		"--allow-collisions"}
	if exists(w.ManifestPath()) {
		argv = append(argv, "-m", w.ManifestPath())
	}
	if len(m.cfg.MandatoryPackages) > 0 {
		argv = append(argv, "-i")
		argv = append(argv, m.cfg.MandatoryPackages...)
	}

	if _, err := m.runner.Run(ctx, argv, run.Options{}); err != nil {
		var execErr *run.ExecutionFailed
		if !errors.As(err, &execErr) {
			return SyncResult{}, err
		}
		stderr := string(execErr.Stderr)
		if manifestLoadFailed(stderr, w.ManifestPath()) {
			return SyncResult{Status: StatusBroken, Detail: execErr}, nil
		}
		if pkgs := parseFailedPackages(stderr); len(pkgs) > 0 {
			return SyncResult{Status: StatusPackageFailure, FailedPackages: pkgs, Detail: execErr}, nil
		}
		return SyncResult{}, err
	}

	// Guix may decide nothing changed and leave the profile symlink
	// untouched. Force a new mtime so the staleness check does not
	// re-attempt this rebuild forever.
	if exists(w.ProfilePath()) {
		if err := touchNoFollow(w.ProfilePath(), m.now()); err != nil {
			return SyncResult{}, fmt.Errorf("touch profile: %w", err)
		}
	}

	return SyncResult{Status: StatusRebuilt}, nil
}

// profileState decides whether the profile must be rebuilt, with the
// reasons for diagnostics.
func (m *Manager) profileState(ctx context.Context, w *Workspace) (profileState, []string, error) {
	if !exists(w.ProfilePath()) {
		return profileUnbuilt, []string{"profile absent"}, nil
	}

	profileMtime := lmtimeOf(w.ProfilePath())
	var reasons []string

	if manifestMtime := mtimeOf(w.ManifestPath()); manifestMtime.After(profileMtime) {
		reasons = append(reasons, "manifest newer than profile")
	}
	if guixMtime := lmtimeOf(w.GuixCurrent()); guixMtime.After(profileMtime) {
		reasons = append(reasons, "guix newer than profile")
	}

	if missing, err := m.missingMandatoryPackages(ctx, w); err != nil {
		return profileStale, nil, err
	} else if len(missing) > 0 {
		reasons = append(reasons, "mandatory packages missing: "+strings.Join(missing, ", "))
	}

	if len(reasons) > 0 {
		return profileStale, reasons, nil
	}
	return profileFresh, nil, nil
}

func (m *Manager) missingMandatoryPackages(ctx context.Context, w *Workspace) ([]string, error) {
	if len(m.cfg.MandatoryPackages) == 0 {
		return nil, nil
	}

	installed, err := m.InstalledPackages(ctx, w)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(installed))
	for _, p := range installed {
		have[p.Name] = struct{}{}
	}

	var missing []string
	for _, name := range m.cfg.MandatoryPackages {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// manifestLoadFailed matches guix's diagnostic for an unparseable
// manifest, as opposed to a manifest whose packages merely fail to build.
// The full path is matched exactly as it was passed to guix, so output
// mentioning some other manifest.scm does not misclassify.
func manifestLoadFailed(stderr, manifestPath string) bool {
	return strings.Contains(stderr, "failed to load '"+manifestPath+"'")
}

var failedDrvRe = regexp.MustCompile("(?m)(?:builder for `|build of )(/gnu/store/[^'\\s]+\\.drv)'? failed")

// parseFailedPackages extracts package names from derivation paths in
// guix's failure diagnostics.
func parseFailedPackages(stderr string) []string {
	seen := make(map[string]struct{})
	var pkgs []string
	for _, match := range failedDrvRe.FindAllStringSubmatch(stderr, -1) {
		name := drvToPackageName(match[1])
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		pkgs = append(pkgs, name)
	}
	sort.Strings(pkgs)
	return pkgs
}

// drvToPackageName turns /gnu/store/<hash>-name-version.drv into name.
func drvToPackageName(drvPath string) string {
	base := strings.TrimSuffix(filepath.Base(drvPath), ".drv")
	_, rest, found := strings.Cut(base, "-")
	if !found {
		return ""
	}

	// Strip trailing version components, which start with a digit.
	parts := strings.Split(rest, "-")
	end := len(parts)
	for end > 0 && startsWithDigit(parts[end-1]) {
		end--
	}
	if end == 0 {
		return rest
	}
	return strings.Join(parts[:end], "-")
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// mtimeOf returns the modification time of path, or the zero time when it
// does not exist.
func mtimeOf(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// lmtimeOf is mtimeOf without following symlinks; profiles are symlinks
// and their own mtime is the staleness oracle.
func lmtimeOf(path string) time.Time {
	info, err := os.Lstat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// touchNoFollow sets the mtime of the symlink itself.
func touchNoFollow(path string, t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Lutimes(path, []unix.Timeval{tv, tv})
}
