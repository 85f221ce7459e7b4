// Package ratelimit implements per-caller request throttling with one token
// bucket per caller. No background goroutines; idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a caller has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter throttles each caller independently; one caller cannot exhaust
// another's quota.
type Limiter struct {
	mu      sync.Mutex
	callers map[string]*entry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type entry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter. If RequestsPerMinute is 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		callers: make(map[string]*entry),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token for callerID, or returns ErrRateLimited.
func (l *Limiter) Allow(callerID string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.callers[callerID]
	if !ok {
		// First request starts with a full bucket.
		e = &entry{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.callers[callerID] = e
	}
	e.lastSeen = now

	if !e.bucket.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// RetryAfter estimates how long callerID must wait for the next token.
func (l *Limiter) RetryAfter(callerID string) time.Duration {
	if l.limit <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.callers[callerID]
	if !ok {
		return 0
	}
	now := l.now()
	if tokens := e.bucket.TokensAt(now); tokens < 1 {
		return time.Duration((1 - tokens) / float64(l.limit) * float64(time.Second))
	}
	return 0
}

// Prune drops buckets not used for idle and returns how many were removed.
// A dropped caller starts again with a full bucket.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for id, e := range l.callers {
		if e.lastSeen.Before(cutoff) {
			delete(l.callers, id)
			removed++
		}
	}
	return removed
}
