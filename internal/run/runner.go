// Package run executes external tools (guix, setfacl, rsync, archivers)
// with captured output and orderly termination on cancellation.
package run

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/leibniz-psychology/mashru3/internal/log"
)

const (
	// maxCaptureBytes caps captured stdout/stderr kept for diagnostics.
	// Guix build logs can be long; the interesting diagnostics (failed
	// derivations, manifest errors) are near the end, so we keep the tail.
	maxCaptureBytes = 1 << 20

	// terminationGracePeriod is the time we wait after SIGTERM before
	// sending SIGKILL when the calling context is cancelled.
	terminationGracePeriod = 5 * time.Second
)

// Result holds the outcome of a finished invocation.
type Result struct {
	Command  []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ExecutionFailed reports a tool that exited with a status the caller did
// not permit. It carries the captured output so callers can classify the
// failure without re-running in a debug mode.
type ExecutionFailed struct {
	Command  []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

func (e *ExecutionFailed) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d", strings.Join(e.Command, " "), e.ExitCode)
}

// Options adjust a single invocation.
type Options struct {
	// Dir is the working directory for the subprocess. Empty means the
	// caller's current directory; the engine never chdirs itself.
	Dir string

	// Env entries are appended to the inherited environment. Explicit
	// per-invocation maps replace mutating the process-wide environment.
	Env map[string]string

	// Stdout, when set, additionally receives the subprocess's stdout
	// (e.g. a temporary file for `guix describe -f channels`, or the
	// caller's terminal for interactive applications).
	Stdout io.Writer

	// Stderr, when set, additionally receives the subprocess's stderr.
	Stderr io.Writer

	// PermittedExitCodes lists non-zero exit codes that are not failures
	// (rsync's partial-transfer code 23 during workspace copies).
	PermittedExitCodes []int
}

// Runner executes commands. The interface exists so workspace logic can be
// tested with a recording fake in place of real tool invocations.
type Runner interface {
	Run(ctx context.Context, argv []string, opts Options) (Result, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

// New creates an ExecRunner.
func New() *ExecRunner {
	return &ExecRunner{logger: log.WithComponent("run")}
}

// Run starts argv and waits for it to finish. On context cancellation the
// subprocess is sent SIGTERM, given a bounded grace period, then killed, so
// lock files and partially built profiles are never abandoned to a still
// running child. The cancellation is surfaced as ctx.Err() after the child
// is gone.
func (r *ExecRunner) Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	runID := uuid.NewString()[:8]
	logger := r.logger.With("run_id", runID, "command", argv[0])
	logger.Debug("running command", "argv", argv, "dir", opts.Dir)

	// Termination is managed by hand below, so plain Command instead of
	// CommandContext.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = mergedEnv(opts.Env)

	var stdout, stderr bytes.Buffer
	if opts.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, opts.Stdout)
	} else {
		cmd.Stdout = &stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, opts.Stderr)
	} else {
		cmd.Stderr = &stderr
	}
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %q: %w", argv[0], err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var err error
	var cancelled bool
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		cancelled = true
		logger.Warn("interrupted, sending SIGTERM")
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case err = <-waitErr:
			logger.Info("command exited after SIGTERM")
		case <-grace.C:
			logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			err = <-waitErr
		}
	}

	res := Result{
		Command: argv,
		Stdout:  truncateOutput(stdout.Bytes()),
		Stderr:  truncateOutput(stderr.Bytes()),
	}

	if cancelled {
		return res, ctx.Err()
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return res, fmt.Errorf("wait for %q: %w", argv[0], err)
		}
		res.ExitCode = exitErr.ExitCode()
		if permitted(res.ExitCode, opts.PermittedExitCodes) {
			logger.Debug("command exited with permitted status", "exit_code", res.ExitCode)
			return res, nil
		}
		logger.Debug("command failed", "exit_code", res.ExitCode, "stderr_bytes", len(res.Stderr))
		return res, &ExecutionFailed{
			Command:  argv,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}

	return res, nil
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func permitted(code int, permittedCodes []int) bool {
	for _, c := range permittedCodes {
		if code == c {
			return true
		}
	}
	return false
}

// truncateOutput keeps the tail of captured output where tool diagnostics
// end up.
func truncateOutput(b []byte) []byte {
	if len(b) > maxCaptureBytes {
		return b[len(b)-maxCaptureBytes:]
	}
	return b
}
