package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSweeper struct {
	removed int
	err     error
	calls   int
}

func (f *fakeSweeper) Sweep(context.Context, time.Time) (int, error) {
	f.calls++
	return f.removed, f.err
}

func TestNewJanitor_InvalidSchedule(t *testing.T) {
	if _, err := NewJanitor(&fakeSweeper{}, "every five minutes", discardLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestJanitor_RunOnce(t *testing.T) {
	fs := &fakeSweeper{removed: 2}
	j, err := NewJanitor(fs, "", discardLogger())
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}

	var gotRemoved int
	var gotErr error
	j.OnSweep = func(removed int, err error) { gotRemoved, gotErr = removed, err }

	j.RunOnce(context.Background())
	if fs.calls != 1 || gotRemoved != 2 || gotErr != nil {
		t.Errorf("calls=%d removed=%d err=%v", fs.calls, gotRemoved, gotErr)
	}

	fs.err = errors.New("docker down")
	j.RunOnce(context.Background())
	if gotErr == nil {
		t.Error("sweep error should reach OnSweep")
	}
}

func TestJanitor_StartStops(t *testing.T) {
	j, err := NewJanitor(&fakeSweeper{}, "0 0 1 1 *", discardLogger())
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	stop := j.Start(context.Background())
	stop()
}
