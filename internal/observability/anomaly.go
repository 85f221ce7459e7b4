package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/termrelay/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	minAnomalySamples    = 5
)

// AnomalyDetector tracks per-operation error rates over a sliding window
// and logs when an operation crosses the configured threshold. An alert is
// logged once per crossing, not on every failure above it.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	alerting  map[string]bool
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerting:  make(map[string]bool),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errors, operation).add(a.now())
	a.evaluate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, operation).add(a.now())
	a.evaluate(operation)
}

// ErrorRate returns the error ratio of operation within the window, or 0
// when there are fewer than minAnomalySamples observations.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, ok := a.rate(operation)
	if !ok {
		return 0
	}
	return rate
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, bool) {
	now := a.now()
	errs := float64(a.windowFor(a.errors, operation).count(now))
	oks := float64(a.windowFor(a.successes, operation).count(now))
	total := errs + oks
	if total < minAnomalySamples {
		return 0, false
	}
	return errs / total, true
}

// Must be called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string) {
	if a.threshold <= 0 {
		return
	}
	rate, ok := a.rate(operation)
	if !ok {
		return
	}
	above := rate > a.threshold
	if above && !a.alerting[operation] && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Duration("window", a.window),
		)
	}
	if !above && a.alerting[operation] && a.logger != nil {
		a.logger.Info("error rate back to normal",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
	a.alerting[operation] = above
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
