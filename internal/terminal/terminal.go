// Package terminal runs commands in a sandbox and relays their output live
// while accumulating it for the model.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/termrelay/internal/sandbox"
	"github.com/jkaninda/termrelay/internal/tokens"
)

const readBufferSize = 4096

// Sink receives output text as it is produced. WriteDelta may block; the
// command is slowed down accordingly.
type Sink interface {
	WriteDelta(ctx context.Context, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, text string) error

func (f SinkFunc) WriteDelta(ctx context.Context, text string) error { return f(ctx, text) }

// Result is the outcome of one command.
type Result struct {
	// Output is everything the command printed, stdout and stderr merged.
	Output string
	// Reduced is Output bounded to the reducer's token budget.
	Reduced string
	// ExitCode is -1 when the command did not finish.
	ExitCode int
	// Partial is set when the stream broke before the command finished.
	Partial  bool
	Duration time.Duration
}

// Execute starts command in the sandbox and returns its output stream.
func Execute(ctx context.Context, p sandbox.Provider, h *sandbox.Handle, command string) (*sandbox.Process, error) {
	if h == nil {
		return nil, sandbox.ErrNotAllocated
	}
	proc, err := p.RunCommand(ctx, h, command)
	if err != nil {
		return nil, fmt.Errorf("executing command in sandbox %s: %w", h.ID, err)
	}
	return proc, nil
}

// Relay copies r to sink chunk by chunk and returns the accumulated text.
// A reader goroutine hands chunks to the caller's goroutine over an
// unbuffered channel, so a slow sink stalls reading. Chunks never split a
// UTF-8 sequence. On failure the text read so far is returned with the error.
func Relay(ctx context.Context, r io.Reader, sink Sink) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(chunks)
		send := func(s string) bool {
			select {
			case chunks <- s:
				return true
			case <-ctx.Done():
				readErr <- ctx.Err()
				return false
			}
		}

		buf := make([]byte, readBufferSize)
		var carry []byte
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := append(carry, buf[:n]...)
				cut := completeUTF8(data)
				if cut > 0 && !send(string(data[:cut])) {
					return
				}
				carry = append([]byte(nil), data[cut:]...)
			}
			if err != nil {
				if len(carry) > 0 && !send(string(carry)) {
					return
				}
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return out.String(), fmt.Errorf("relaying output: %w", ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-readErr:
					return out.String(), fmt.Errorf("reading output: %w", err)
				default:
					return out.String(), nil
				}
			}
			out.WriteString(chunk)
			if err := sink.WriteDelta(ctx, chunk); err != nil {
				return out.String(), fmt.Errorf("relaying output: %w", err)
			}
		}
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}

// Runner executes a command end to end: start, relay, wait, reduce.
type Runner struct {
	provider sandbox.Provider
	reducer  *tokens.Reducer
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(p sandbox.Provider, reducer *tokens.Reducer, logger *slog.Logger) *Runner {
	return &Runner{provider: p, reducer: reducer, logger: logger}
}

// Run executes command in h, streaming output to sink. A failure to start
// the command is returned as an error. A broken stream is not: the partial
// output is returned with Partial set, so the model still sees it.
func (r *Runner) Run(ctx context.Context, h *sandbox.Handle, command string, sink Sink) (*Result, error) {
	start := time.Now()
	proc, err := Execute(ctx, r.provider, h, command)
	if err != nil {
		return nil, err
	}

	output, relayErr := Relay(ctx, proc, sink)
	_ = proc.Close()

	res := &Result{Output: output, ExitCode: -1}
	if relayErr != nil {
		// The process may still be running; sandbox teardown stops it.
		res.Partial = true
		r.logger.WarnContext(ctx, "command output stream broken",
			slog.String("sandbox_id", h.ID),
			slog.Int("bytes", len(output)),
			slog.String("error", relayErr.Error()),
		)
	} else {
		code, waitErr := proc.Wait()
		res.ExitCode = code
		if waitErr != nil {
			res.Partial = true
		}
	}
	res.Duration = time.Since(start)
	res.Reduced = r.reducer.Reduce(output)

	r.logger.InfoContext(ctx, "command finished",
		slog.String("sandbox_id", h.ID),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("partial", res.Partial),
		slog.Int("output_bytes", len(output)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// Reducer returns the reducer used for command output.
func (r *Runner) Reducer() *tokens.Reducer { return r.reducer }
