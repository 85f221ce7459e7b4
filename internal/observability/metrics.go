package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "termrelay"

// MetricsCollector holds all Prometheus metrics for termrelay.
// Uses a custom registry; nothing is registered globally.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool-call metrics, labelled by plugin wire name.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxOperationsTotal   *prometheus.CounterVec
	SandboxOperationDuration *prometheus.HistogramVec
	ActiveSandboxes          prometheus.Gauge
	SandboxesSwept           prometheus.Counter

	// Output reduction.
	OutputReductionsTotal *prometheus.CounterVec
	ToolOutputTokens      prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM completion streams.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM completion stream duration in seconds, open to close.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total terminal tool calls by outcome.",
		}, []string{"plugin", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Terminal tool call duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"plugin"}),

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total sandbox provider operations.",
		}, []string{"type", "operation", "status"}),

		SandboxOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "operation_duration_seconds",
			Help:      "Sandbox provider operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type", "operation"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandboxes created and not yet killed.",
		}),

		SandboxesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "swept_total",
			Help:      "Orphaned sandboxes removed by the janitor.",
		}),

		OutputReductionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reducer",
			Name:      "outputs_total",
			Help:      "Tool outputs passed through the reducer.",
		}, []string{"result"}),

		ToolOutputTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reducer",
			Name:      "output_tokens",
			Help:      "Tokens of tool output before reduction.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-caller rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.SandboxOperationsTotal,
		m.SandboxOperationDuration,
		m.ActiveSandboxes,
		m.SandboxesSwept,
		m.OutputReductionsTotal,
		m.ToolOutputTokens,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}

// RecordToolExecution counts one terminal tool call. Safe on a nil receiver.
func (m *MetricsCollector) RecordToolExecution(plugin, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(plugin, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

// RecordReduction records the size of one tool output and whether the
// reducer had to cut it. Safe on a nil receiver.
func (m *MetricsCollector) RecordReduction(tokens int, reduced bool) {
	if m == nil {
		return
	}
	result := "unchanged"
	if reduced {
		result = "reduced"
	}
	m.OutputReductionsTotal.WithLabelValues(result).Inc()
	m.ToolOutputTokens.Observe(float64(tokens))
}

// RecordSweep adds janitor removals. Safe on a nil receiver.
func (m *MetricsCollector) RecordSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.SandboxesSwept.Add(float64(removed))
}

// RecordRateLimited counts one throttled request. Safe on a nil receiver.
func (m *MetricsCollector) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}
