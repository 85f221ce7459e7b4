// Package agent drives the bounded tool-calling loop: it prepares the
// conversation, streams model output, runs terminal tool calls inside a
// per-request sandbox and feeds reduced output back to the model.
package agent

import (
	"context"
	"time"

	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/stream"
)

// Agent starts a streamed tool-calling turn. Gateways depend on this
// interface rather than on *Orchestrator.
type Agent interface {
	// Start validates the request and opens the first model stream. Errors
	// returned here happen before anything is streamed and are *Error.
	// Otherwise the returned channel yields deltas followed by exactly one
	// finish record, then closes.
	Start(ctx context.Context, req *Request) (<-chan stream.Record, error)
}

// Request is one chat turn with the terminal tool available.
type Request struct {
	CallerID       string
	ProfileContext string
	Messages       []llm.Message
	Plugin         plugin.ID
	// Continuation resumes an assistant message cut short by a previous
	// terminal call; the trailing assistant message is dropped.
	Continuation bool
	// Privileged callers are served by the premium model.
	Privileged    bool
	CorrelationID string
}

const (
	// DefaultMaxSteps bounds model calls per request.
	DefaultMaxSteps = 2
	// DefaultMaxTokens caps each model completion.
	DefaultMaxTokens = 2048

	DefaultModel        = "gpt-4o-mini"
	DefaultPremiumModel = "gpt-4o"

	// terminateTimeout bounds sandbox teardown once the request is over.
	terminateTimeout = 30 * time.Second
)

// Config tunes the loop. Zero values select the defaults above.
type Config struct {
	Model        string
	PremiumModel string
	MaxTokens    int
	MaxSteps     int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.PremiumModel == "" {
		c.PremiumModel = DefaultPremiumModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	return c
}

// ExecutionRecord is the audit entry for one terminal tool call.
type ExecutionRecord struct {
	CallerID      string
	CorrelationID string
	Plugin        plugin.ID
	Command       string
	Rejected      bool
	ExitCode      int
	Partial       bool
	OutputTokens  int
	Duration      time.Duration
	CreatedAt     time.Time
}

// AuditRecorder persists execution records. Failures are logged and never
// affect the turn.
type AuditRecorder interface {
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
}
