// Package sandbox provisions isolated, short-lived execution environments.
// Commands chosen by the model run inside a sandbox, never directly on the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

const (
	// DefaultTimeout is the hard lifetime of a sandbox, enforced by the provider.
	DefaultTimeout = 5 * time.Minute

	// maxOutputBytes caps the merged output of one command.
	maxOutputBytes = 8 << 20

	defaultCPUSeconds = 300
	defaultMemoryMB   = 1024

	uploadDir = "files"
)

var (
	// ErrNotAllocated is returned when an operation needs a sandbox that was
	// never created for the session.
	ErrNotAllocated = errors.New("sandbox not allocated")

	// ErrUnknownSandbox is returned for handles the provider does not know,
	// usually because the sandbox already expired.
	ErrUnknownSandbox = errors.New("unknown sandbox")
)

// Handle identifies one provisioned sandbox.
type Handle struct {
	ID        string
	Template  string
	CreatedAt time.Time
	Deadline  time.Time
}

// Provider creates and destroys sandboxes and runs commands inside them.
type Provider interface {
	// Create provisions a sandbox from template that destroys itself after timeout.
	Create(ctx context.Context, template string, timeout time.Duration) (*Handle, error)

	// RunCommand starts a shell command. Stdout and stderr are merged into the
	// returned Process stream. A non-zero exit status is not an error.
	RunCommand(ctx context.Context, h *Handle, command string) (*Process, error)

	// Upload writes data into the sandbox and returns its path there.
	Upload(ctx context.Context, h *Handle, name string, data []byte) (string, error)

	// Kill destroys the sandbox.
	Kill(ctx context.Context, h *Handle) error
}

// Sweeper is implemented by providers that can find and destroy sandboxes
// whose deadline passed without a Kill, e.g. after a crash.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// ResourceLimits constrains processes started by the process provider.
type ResourceLimits struct {
	MaxCPUSeconds int // ulimit -t
	MaxMemoryMB   int // ulimit -v
}

// Process is a running command. Read returns the merged stdout/stderr stream
// until the command exits; Wait then reports the exit status.
type Process struct {
	r    *io.PipeReader
	done chan struct{}

	exitCode int
	err      error
}

func (p *Process) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Close abandons the output stream. A command still writing fails its writes
// and is left to its context to stop.
func (p *Process) Close() error {
	return p.r.CloseWithError(errors.New("output stream closed"))
}

// Wait blocks until the command has exited. exitCode is -1 when the command
// did not exit on its own.
func (p *Process) Wait() (exitCode int, err error) {
	<-p.done
	return p.exitCode, p.err
}

// NewProcess adapts an output stream and a wait function into a Process, for
// providers whose commands do not run as a local exec.Cmd. wait is called
// once r is exhausted.
func NewProcess(r io.Reader, wait func() (int, error)) *Process {
	pr, pw := io.Pipe()
	p := &Process{r: pr, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		_, copyErr := io.Copy(pw, r)
		p.exitCode, p.err = wait()
		if p.err == nil && copyErr != nil {
			p.exitCode = -1
			p.err = fmt.Errorf("reading output: %w", copyErr)
		}
		_ = pw.CloseWithError(p.err)
	}()
	return p
}

// startProcess runs cmd with its stdout and stderr merged into a pipe. Writes
// block until the output is read, so a slow reader slows the command down
// instead of buffering without bound.
func startProcess(ctx context.Context, cmd *exec.Cmd) (*Process, error) {
	pr, pw := io.Pipe()
	out := &limitedWriter{w: pw, remaining: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("starting command: %w", err)
	}

	p := &Process{r: pr, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		waitErr := cmd.Wait()

		var exitErr *exec.ExitError
		switch {
		case waitErr == nil:
		case ctx.Err() != nil:
			p.exitCode = -1
			p.err = fmt.Errorf("command aborted: %w", ctx.Err())
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// The command exited but a background child kept the output open.
			p.exitCode = cmd.ProcessState.ExitCode()
		case errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0:
			p.exitCode = exitErr.ExitCode()
		default:
			p.exitCode = -1
			p.err = fmt.Errorf("command failed: %w", waitErr)
		}
		// nil closes with io.EOF.
		_ = pw.CloseWithError(p.err)
	}()
	return p, nil
}

// limitedWriter stops forwarding after a byte limit. Excess data is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
