package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if d := l.RetryAfter("alice"); d <= 0 || d > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d)
	}

	clock.advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestAllow_CallersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("alice second request: %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob should have his own bucket: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if d := l.RetryAfter("alice"); d != 0 {
		t.Errorf("RetryAfter = %v", d)
	}
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 10})
	_ = l.Allow("alice")
	clock.advance(10 * time.Minute)
	_ = l.Allow("bob")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, ok := l.callers["bob"]; !ok {
		t.Error("recent caller was pruned")
	}
}
