package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var errSessionTerminated = errors.New("sandbox session already terminated")

// Manager hands out per-request sessions over a Provider.
type Manager struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewManager creates a Manager. timeout is the hard sandbox lifetime passed
// to the provider; zero selects DefaultTimeout.
func NewManager(p Provider, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{provider: p, timeout: timeout, logger: logger}
}

// Provider returns the underlying provider.
func (m *Manager) Provider() Provider { return m.provider }

// NewSession returns a session for one request. Nothing is provisioned until
// Ensure is called.
func (m *Manager) NewSession(callerID, template string) *Session {
	return &Session{m: m, callerID: callerID, template: template}
}

// Session owns at most one sandbox for the duration of one request. The
// sandbox is created on first use and destroyed exactly once.
type Session struct {
	m        *Manager
	callerID string
	template string

	mu         sync.Mutex
	handle     *Handle
	terminated bool

	once    sync.Once
	killErr error
}

// Template returns the template the sandbox is or will be created from.
func (s *Session) Template() string { return s.template }

// Ensure returns the session's sandbox, creating it on the first call.
func (s *Session) Ensure(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return nil, errSessionTerminated
	}
	if s.handle != nil {
		return s.handle, nil
	}

	h, err := s.m.provider.Create(ctx, s.template, s.m.timeout)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox from template %s: %w", s.template, err)
	}
	s.handle = h

	s.m.logger.InfoContext(ctx, "sandbox allocated",
		slog.String("caller_id", s.callerID),
		slog.String("sandbox_id", h.ID),
		slog.String("template", s.template),
		slog.Time("deadline", h.Deadline),
	)
	return h, nil
}

// Handle returns the sandbox, or nil when none was allocated.
func (s *Session) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Allocated reports whether a sandbox was created.
func (s *Session) Allocated() bool {
	return s.Handle() != nil
}

// Terminate destroys the sandbox if one was allocated. It is safe to call
// any number of times; only the first call reaches the provider, and later
// calls return its result. After Terminate, Ensure fails.
func (s *Session) Terminate(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.terminated = true
		h := s.handle
		s.mu.Unlock()

		if h == nil {
			return
		}
		start := time.Now()
		s.killErr = s.m.provider.Kill(ctx, h)
		if s.killErr != nil {
			s.m.logger.WarnContext(ctx, "sandbox termination failed",
				slog.String("caller_id", s.callerID),
				slog.String("sandbox_id", h.ID),
				slog.String("error", s.killErr.Error()),
			)
			return
		}
		s.m.logger.InfoContext(ctx, "sandbox terminated",
			slog.String("caller_id", s.callerID),
			slog.String("sandbox_id", h.ID),
			slog.Duration("lifetime", time.Since(h.CreatedAt)),
			slog.Duration("kill_duration", time.Since(start)),
		)
	})
	return s.killErr
}
