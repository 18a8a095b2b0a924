// Package archive exports workspaces to zip or tar+lzip archives and
// unpacks them again. Archives are built in a scratch directory on the
// same mount as the destination and published with a single rename, so a
// crashed export never leaves a half-written archive behind.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/leibniz-psychology/mashru3/internal/log"
	"github.com/leibniz-psychology/mashru3/internal/run"
)

// Kind selects the archive format.
type Kind int

const (
	Zip Kind = iota
	TarLzip
)

// ParseKind maps the CLI format names to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "zip":
		return Zip, nil
	case "tar+lzip":
		return TarLzip, nil
	default:
		return 0, fmt.Errorf("unknown archive kind %q", s)
	}
}

func (k Kind) String() string {
	switch k {
	case Zip:
		return "zip"
	case TarLzip:
		return "tar+lzip"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ext is the file extension by convention.
func (k Kind) ext() string {
	if k == Zip {
		return "zip"
	}
	return "tar.lz"
}

// ErrUnsupportedFormat reports an input file that is neither a zip
// archive nor an lzip stream.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// excludePatterns lists workspace state that must never travel in an
// archive: the profile and guix binary are store symlinks only valid on
// the exporting host, caches and session droppings are per-machine.
var excludePatterns = []string{
	".config/guix/current*",
	".guix-profile*",
	".cache/**",
	".rstudio/sessions/**",
	".JASP/temp/**",
}

// Programs holds the external tool paths the archiver invokes.
type Programs struct {
	Zip   string
	Unzip string
	Tar   string
	Lzip  string
}

// Archiver packs and unpacks workspace archives through external tools.
type Archiver struct {
	runner   run.Runner
	programs Programs
	logger   *slog.Logger
}

func New(r run.Runner, programs Programs) *Archiver {
	return &Archiver{
		runner:   r,
		programs: programs,
		logger:   log.WithComponent("archive"),
	}
}

// Export archives wsDir to output. When output is an existing directory,
// a file named after baseName is chosen inside it, retrying with a random
// numeric suffix until the name is free; otherwise output must not exist
// yet and is used as-is. Returns the path of the published archive.
func (a *Archiver) Export(ctx context.Context, kind Kind, wsDir, output, baseName string) (string, error) {
	output, err := filepath.Abs(output)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", output, err)
	}

	info, err := os.Stat(output)
	switch {
	case err == nil && info.IsDir():
		output, err = pickOutputName(output, baseName, kind.ext())
		if err != nil {
			return "", err
		}
	case err == nil:
		return "", fmt.Errorf("output file %q exists", output)
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("stat output: %w", err)
	}

	// Scratch space on the destination's own mount, so publishing is a
	// rename and not a copy.
	scratch, err := os.MkdirTemp(filepath.Dir(output), "mashru3-export-")
	if err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	tempArchive := filepath.Join(scratch, "output."+kind.ext())
	a.logger.Debug("exporting workspace", "workspace", wsDir, "kind", kind.String(), "output", output)

	switch kind {
	case Zip:
		err = a.packZip(ctx, wsDir, tempArchive)
	case TarLzip:
		err = a.packTarLzip(ctx, wsDir, tempArchive)
	default:
		return "", fmt.Errorf("unknown archive kind %v", kind)
	}
	if err != nil {
		return "", err
	}

	if err := os.Rename(tempArchive, output); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	return output, nil
}

func (a *Archiver) packZip(ctx context.Context, wsDir, tempArchive string) error {
	argv := []string{a.programs.Zip}
	for _, p := range excludePatterns {
		argv = append(argv, "-x", p)
	}
	argv = append(argv,
		"--quiet",
		"-y", // keep symlinks as symlinks
		"-r",
		tempArchive,
		".",
	)
	if _, err := a.runner.Run(ctx, argv, run.Options{Dir: wsDir}); err != nil {
		return fmt.Errorf("zip %q: %w", wsDir, err)
	}
	return nil
}

func (a *Archiver) packTarLzip(ctx context.Context, wsDir, tempArchive string) error {
	// Tarballs carry the directory name by convention, so archive from
	// the parent.
	base := filepath.Base(wsDir)
	argv := []string{a.programs.Tar,
		"--use-compress-program=" + a.programs.Lzip,
		// the importing host has different users and no ACL support in
		// its archives
		"--owner=joeuser:1000",
		"--group=joeuser:1000",
		"--no-acls",
		"-c",
		"-f", tempArchive,
	}
	for _, p := range excludePatterns {
		argv = append(argv, "--exclude="+base+"/"+p)
	}
	argv = append(argv, base)
	if _, err := a.runner.Run(ctx, argv, run.Options{Dir: filepath.Dir(wsDir)}); err != nil {
		return fmt.Errorf("tar %q: %w", wsDir, err)
	}
	return nil
}

// pickOutputName finds a free file name for baseName inside dir.
func pickOutputName(dir, baseName, ext string) (string, error) {
	if baseName == "" {
		baseName = "workspace"
	}
	suffix := ""
	for {
		candidate := filepath.Join(dir, baseName+suffix+"."+ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		suffix = fmt.Sprintf("_%d", rand.Uint64())
	}
}

var (
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	lzipMagic = []byte{'L', 'Z', 'I', 'P'}
)

// Sniff determines the archive format from the file's leading bytes.
func Sniff(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := f.Read(header); err != nil {
		return 0, fmt.Errorf("%w: %q is too short", ErrUnsupportedFormat, path)
	}
	switch {
	case bytes.Equal(header, zipMagic):
		return Zip, nil
	case bytes.Equal(header, lzipMagic):
		return TarLzip, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// Unpack extracts input into a fresh subdirectory of scratchDir and
// returns that directory. The format is sniffed from the file contents,
// not the file name.
func (a *Archiver) Unpack(ctx context.Context, input, scratchDir string) (string, error) {
	kind, err := Sniff(input)
	if err != nil {
		return "", err
	}

	unpackDir := filepath.Join(scratchDir, "unpack")
	if err := os.Mkdir(unpackDir, 0o755); err != nil {
		return "", fmt.Errorf("create unpack directory: %w", err)
	}

	a.logger.Debug("unpacking archive", "input", input, "kind", kind.String())
	var argv []string
	switch kind {
	case Zip:
		argv = []string{a.programs.Unzip, "-q", "-d", unpackDir, input}
	case TarLzip:
		argv = []string{a.programs.Tar,
			"--use-compress-program=" + a.programs.Lzip,
			"-C", unpackDir,
			"-x",
			"-f", input,
		}
	}
	if _, err := a.runner.Run(ctx, argv, run.Options{}); err != nil {
		return "", fmt.Errorf("unpack %q: %w", input, err)
	}
	return unpackDir, nil
}

// CandidateRoots lists the directories that may hold the unpacked
// workspace: the unpack directory itself (zip archives of the workspace
// contents) and each of its immediate subdirectories (tarballs wrapping a
// top-level directory).
func CandidateRoots(unpackDir string) ([]string, error) {
	roots := []string{unpackDir}
	entries, err := os.ReadDir(unpackDir)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", unpackDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			roots = append(roots, filepath.Join(unpackDir, e.Name()))
		}
	}
	return roots, nil
}
