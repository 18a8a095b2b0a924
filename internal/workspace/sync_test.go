package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leibniz-psychology/mashru3/internal/acl"
	"github.com/leibniz-psychology/mashru3/internal/config"
	"github.com/leibniz-psychology/mashru3/internal/lock"
	"github.com/leibniz-psychology/mashru3/internal/run"
)

// fakeRunner records invocations and dispatches them to a handler, so
// tests exercise the real command construction without any external
// tools.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(argv []string, opts run.Options) (run.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, argv []string, opts run.Options) (run.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.mu.Unlock()
	if f.handle == nil {
		return run.Result{Command: argv}, nil
	}
	return f.handle(argv, opts)
}

func (f *fakeRunner) sawArg(arg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		for _, a := range call {
			if a == arg {
				return true
			}
		}
	}
	return false
}

func newTestManager(t *testing.T, fr *fakeRunner) *Manager {
	t.Helper()
	m := NewManager(config.Default(), fr, acl.New(fr, acl.DefaultPrograms()))
	m.username = func() (string, error) { return "alice", nil }
	return m
}

// guixHandler emulates the guix invocations a profile sync performs:
// pull materializes the workspace guix binary, describe emits a channel
// pin and package -I reports the mandatory set as installed.
func guixHandler(t *testing.T) func(argv []string, opts run.Options) (run.Result, error) {
	t.Helper()
	return func(argv []string, opts run.Options) (run.Result, error) {
		switch {
		case len(argv) > 3 && argv[1] == "pull":
			binDir := filepath.Join(argv[3], "bin")
			if err := os.MkdirAll(binDir, 0o755); err != nil {
				t.Fatalf("fake pull: %v", err)
			}
			if err := os.WriteFile(filepath.Join(binDir, "guix"), []byte("#!/bin/sh\n"), 0o755); err != nil {
				t.Fatalf("fake pull: %v", err)
			}
		case len(argv) > 1 && argv[1] == "describe":
			if opts.Stdout != nil {
				fmt.Fprintln(opts.Stdout, "(list (channel (name 'guix)))")
			}
		case argContains(argv, "-I"):
			return run.Result{Command: argv,
				Stdout: []byte("tini\t0.19.0\tout\t/gnu/store/aaaa-tini-0.19.0\n")}, nil
		case argContains(argv, "--allow-collisions"):
			profile := argAfter(argv, "-p")
			if profile != "" && !exists(profile) {
				if err := os.Symlink("/gnu/store/bbbb-profile", profile); err != nil {
					t.Fatalf("fake package: %v", err)
				}
			}
		}
		return run.Result{Command: argv}, nil
	}
}

func argContains(argv []string, want string) bool {
	for _, a := range argv {
		if a == want {
			return true
		}
	}
	return false
}

func argAfter(argv []string, flag string) string {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

// builtWorkspace lays out a workspace whose guix binary and profile
// already exist, with the profile timestamped at base+1m and everything
// else at base.
func builtWorkspace(t *testing.T, base time.Time) *Workspace {
	t.Helper()
	w := &Workspace{Dir: t.TempDir()}
	if err := os.MkdirAll(filepath.Dir(w.GuixBin()), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(w.GuixBin(), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink("/gnu/store/bbbb-profile", w.ProfilePath()); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if err := os.Chtimes(w.GuixCurrent(), base, base); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := touchNoFollow(w.ProfilePath(), base.Add(time.Minute)); err != nil {
		t.Fatalf("touchNoFollow: %v", err)
	}
	return w
}

func writeManifest(t *testing.T, w *Workspace, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(w.ManifestPath(), []byte("(specifications->manifest '())\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(w.ManifestPath(), mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func TestProfileStateUnbuilt(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &fakeRunner{})
	w := &Workspace{Dir: t.TempDir()}

	state, _, err := m.profileState(context.Background(), w)
	if err != nil {
		t.Fatalf("profileState: %v", err)
	}
	if state != profileUnbuilt {
		t.Fatalf("state = %v, want unbuilt", state)
	}
}

func TestProfileStateManifestNewerIsStale(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = guixHandler(t)
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w := builtWorkspace(t, base)
	writeManifest(t, w, base.Add(2*time.Minute))

	state, reasons, err := m.profileState(context.Background(), w)
	if err != nil {
		t.Fatalf("profileState: %v", err)
	}
	if state != profileStale {
		t.Fatalf("state = %v (%v), want stale", state, reasons)
	}
}

func TestProfileStateManifestOlderIsFresh(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = guixHandler(t)
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w := builtWorkspace(t, base)
	writeManifest(t, w, base)

	state, reasons, err := m.profileState(context.Background(), w)
	if err != nil {
		t.Fatalf("profileState: %v", err)
	}
	if state != profileFresh {
		t.Fatalf("state = %v (%v), want fresh", state, reasons)
	}
}

func TestProfileStateMissingMandatoryIsStale(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = func(argv []string, opts run.Options) (run.Result, error) {
		if argContains(argv, "-I") {
			return run.Result{Command: argv}, nil // nothing installed
		}
		return guixHandler(t)(argv, opts)
	}
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w := builtWorkspace(t, base)

	state, reasons, err := m.profileState(context.Background(), w)
	if err != nil {
		t.Fatalf("profileState: %v", err)
	}
	if state != profileStale {
		t.Fatalf("state = %v (%v), want stale", state, reasons)
	}
}

func TestEnsureProfileFreshRunsNoBuild(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = guixHandler(t)
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w := builtWorkspace(t, base)
	writeManifest(t, w, base)

	res, err := m.EnsureProfile(context.Background(), w)
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if res.Status != StatusFresh {
		t.Fatalf("status = %v, want fresh", res.Status)
	}
	if fr.sawArg("--allow-collisions") {
		t.Fatal("fresh profile must not be rebuilt")
	}
	if fr.sawArg("pull") {
		t.Fatal("fresh guix must not be pulled")
	}
}

func TestEnsureProfileRebuildTerminates(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = guixHandler(t)
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w := builtWorkspace(t, base)
	writeManifest(t, w, base.Add(2*time.Minute))

	res, err := m.EnsureProfile(context.Background(), w)
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if res.Status != StatusRebuilt {
		t.Fatalf("status = %v, want rebuilt", res.Status)
	}

	// The fake leaves the profile symlink untouched, mimicking a build
	// that decided nothing changed. The forced touch must still move the
	// profile past the manifest so the next run settles.
	if !lmtimeOf(w.ProfilePath()).After(mtimeOf(w.ManifestPath())) {
		t.Fatal("profile mtime not advanced past manifest")
	}

	res, err = m.EnsureProfile(context.Background(), w)
	if err != nil {
		t.Fatalf("EnsureProfile (second): %v", err)
	}
	if res.Status != StatusFresh {
		t.Fatalf("second status = %v, want fresh", res.Status)
	}
}

func TestEnsureProfileBrokenManifest(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	var w *Workspace
	fr.handle = func(argv []string, opts run.Options) (run.Result, error) {
		if argContains(argv, "--allow-collisions") {
			return run.Result{}, &run.ExecutionFailed{
				Command:  argv,
				ExitCode: 1,
				Stderr:   []byte("guix package: error: failed to load '" + w.ManifestPath() + "':\nice-9/boot-9.scm:1685:16: In procedure raise-exception:\n"),
			}
		}
		return guixHandler(t)(argv, opts)
	}
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w = builtWorkspace(t, base)
	writeManifest(t, w, base.Add(2*time.Minute))

	res, err := m.EnsureProfile(context.Background(), w)
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if res.Status != StatusBroken {
		t.Fatalf("status = %v, want broken", res.Status)
	}
	if res.Detail == nil {
		t.Fatal("broken result must carry the failed invocation")
	}
}

func TestEnsureProfilePackageFailure(t *testing.T) {
	t.Parallel()

	stderr := "building /gnu/store/cccc-foo-1.2.3.drv...\n" +
		"builder for `/gnu/store/cccc-foo-1.2.3.drv' failed with exit code 1\n" +
		"build of /gnu/store/dddd-bar-0.1.drv failed\n"

	fr := &fakeRunner{}
	fr.handle = func(argv []string, opts run.Options) (run.Result, error) {
		if argContains(argv, "--allow-collisions") {
			return run.Result{}, &run.ExecutionFailed{
				Command:  argv,
				ExitCode: 1,
				Stderr:   []byte(stderr),
			}
		}
		return guixHandler(t)(argv, opts)
	}
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w := builtWorkspace(t, base)
	writeManifest(t, w, base.Add(2*time.Minute))

	res, err := m.EnsureProfile(context.Background(), w)
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if res.Status != StatusPackageFailure {
		t.Fatalf("status = %v, want package-failure", res.Status)
	}
	if want := []string{"bar", "foo"}; !reflect.DeepEqual(res.FailedPackages, want) {
		t.Fatalf("FailedPackages = %v, want %v", res.FailedPackages, want)
	}
}

func TestEnsureProfileBusy(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &fakeRunner{})
	w := &Workspace{Dir: t.TempDir()}

	l, err := lock.Acquire(filepath.Join(w.CacheDir(), config.ToolName+".ensureProfile.lock"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	if _, err := m.EnsureProfile(context.Background(), w); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestEnsureGuixPinsChannels(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = guixHandler(t)
	m := newTestManager(t, fr)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	w := builtWorkspace(t, base)

	if err := m.EnsureGuix(context.Background(), w); err != nil {
		t.Fatalf("EnsureGuix: %v", err)
	}
	if fr.sawArg("pull") {
		t.Fatal("existing guix must not be pulled")
	}

	pin, err := os.ReadFile(w.ChannelPath())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(pin), "channel") {
		t.Fatalf("channel pin not written: %q", pin)
	}

	// The pin rewrite must not out-date the guix profile, or every
	// subsequent run would refresh again.
	if mtimeOf(w.ChannelPath()).After(lmtimeOf(w.GuixCurrent())) {
		t.Fatal("channel pin newer than guix profile")
	}

	if err := m.EnsureGuix(context.Background(), w); err != nil {
		t.Fatalf("EnsureGuix (second): %v", err)
	}
	if fr.sawArg("pull") {
		t.Fatal("pinned channels re-triggered a pull")
	}
}

func TestEnsureGuixBootstrap(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	fr.handle = guixHandler(t)
	m := newTestManager(t, fr)
	w := &Workspace{Dir: t.TempDir()}

	if err := m.EnsureGuix(context.Background(), w); err != nil {
		t.Fatalf("EnsureGuix: %v", err)
	}
	if !fr.sawArg("pull") {
		t.Fatal("bootstrap must pull through the host guix")
	}
	if !exists(w.GuixBin()) {
		t.Fatal("guix binary not materialized")
	}
	if !exists(w.ChannelPath()) {
		t.Fatal("channel pin not written")
	}
}

func TestParseFailedPackages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		stderr string
		want   []string
	}{
		{
			name:   "backtick form",
			stderr: "builder for `/gnu/store/aaaa-foo-1.2.3.drv' failed with exit code 1\n",
			want:   []string{"foo"},
		},
		{
			name:   "build-of form",
			stderr: "build of /gnu/store/aaaa-r-minimal-4.3.1.drv failed\n",
			want:   []string{"r-minimal"},
		},
		{
			name: "duplicates collapsed and sorted",
			stderr: "builder for `/gnu/store/aaaa-zzz-1.drv' failed with exit code 1\n" +
				"build of /gnu/store/bbbb-aaa-2.drv failed\n" +
				"build of /gnu/store/aaaa-zzz-1.drv failed\n",
			want: []string{"aaa", "zzz"},
		},
		{
			name:   "no failures",
			stderr: "substitute: updating substitutes from 'https://ci.guix.gnu.org'\n",
			want:   nil,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := parseFailedPackages(tc.stderr)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("parseFailedPackages = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDrvToPackageName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		drv  string
		want string
	}{
		{"/gnu/store/abcd-foo-1.2.3.drv", "foo"},
		{"/gnu/store/abcd-python-requests-2.31.0.drv", "python-requests"},
		{"/gnu/store/abcd-hello.drv", "hello"},
		{"/gnu/store/malformed.drv", ""},
	}

	for _, tc := range cases {
		tc := tc
		if got := drvToPackageName(tc.drv); got != tc.want {
			t.Errorf("drvToPackageName(%q) = %q, want %q", tc.drv, got, tc.want)
		}
	}
}

func TestManifestLoadFailed(t *testing.T) {
	t.Parallel()

	manifest := "/ws/.config/guix/manifest.scm"
	if !manifestLoadFailed("guix package: error: failed to load '/ws/.config/guix/manifest.scm':", manifest) {
		t.Fatal("load failure not recognized")
	}
	if manifestLoadFailed("builder for `/gnu/store/x-foo-1.drv' failed", manifest) {
		t.Fatal("build failure misclassified as load failure")
	}
	// a load failure in some other manifest.scm is not ours
	if manifestLoadFailed("guix package: error: failed to load '/etc/mashru3/skel/.config/guix/manifest.scm':", manifest) {
		t.Fatal("foreign manifest path misclassified as load failure")
	}
}

func TestParseInstalledPackages(t *testing.T) {
	t.Parallel()

	out := []byte("tini\t0.19.0\tout\t/gnu/store/aaaa-tini-0.19.0\n" +
		"r-minimal\t4.3.1\tout\t/gnu/store/bbbb-r-minimal-4.3.1\n" +
		"garbage line\n")

	pkgs := parseInstalledPackages(out)
	want := []InstalledPackage{
		{Name: "tini", Version: "0.19.0", Output: "out", Path: "/gnu/store/aaaa-tini-0.19.0"},
		{Name: "r-minimal", Version: "4.3.1", Output: "out", Path: "/gnu/store/bbbb-r-minimal-4.3.1"},
	}
	if !reflect.DeepEqual(pkgs, want) {
		t.Fatalf("parseInstalledPackages = %v, want %v", pkgs, want)
	}
}
