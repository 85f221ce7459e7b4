package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJanitorSchedule runs a sweep every five minutes.
const DefaultJanitorSchedule = "*/5 * * * *"

// Janitor periodically removes sandboxes that outlived their deadline, e.g.
// after the service crashed between Create and Kill.
type Janitor struct {
	sweeper  Sweeper
	schedule cron.Schedule
	logger   *slog.Logger

	// OnSweep, if set, receives the result of every sweep.
	OnSweep func(removed int, err error)
}

// NewJanitor parses a standard five-field cron expression.
func NewJanitor(s Sweeper, expr string, logger *slog.Logger) (*Janitor, error) {
	if expr == "" {
		expr = DefaultJanitorSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", expr, err)
	}
	return &Janitor{sweeper: s, schedule: sched, logger: logger}, nil
}

// Start runs the janitor loop in the background and returns its cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "sandbox janitor started")
		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("sandbox janitor stopped")
				return
			case <-timer.C:
				j.RunOnce(ctx)
			}
		}
	}()

	return cancel
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) {
	removed, err := j.sweeper.Sweep(ctx, time.Now())
	if j.OnSweep != nil {
		j.OnSweep(removed, err)
	}
	if err != nil {
		j.logger.WarnContext(ctx, "sandbox sweep failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		j.logger.InfoContext(ctx, "sandbox sweep removed expired sandboxes", slog.Int("removed", removed))
	}
}
