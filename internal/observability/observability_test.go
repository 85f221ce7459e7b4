package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/termrelay/internal/config"
	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("disabled components should be nil")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil Observability should expose nil components")
	}
	_, span := obs.StartSpan(context.Background(), "noop")
	span.End()

	var m *MetricsCollector
	m.RecordToolExecution("SSL_SCANNER", "success", time.Second)
	m.RecordReduction(10, false)
	m.RecordSweep(3)
	m.RecordRateLimited()
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	// Vectors only appear in Gather after first use.
	m.LLMRequestsTotal.WithLabelValues("openai", "gpt-4o-mini", "success").Inc()
	m.RecordToolExecution("WHOIS_LOOKUP", "success", time.Second)
	m.RecordReduction(40000, true)
	m.SandboxOperationsTotal.WithLabelValues("docker", "create", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/chat/tools", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"termrelay_llm_requests_total",
		"termrelay_tool_executions_total",
		"termrelay_reducer_outputs_total",
		"termrelay_reducer_output_tokens",
		"termrelay_sandbox_operations_total",
		"termrelay_sandbox_active",
		"termrelay_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordReduction(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordReduction(100, false)
	m.RecordReduction(40000, true)
	m.RecordReduction(50000, true)

	if v := counterValue(t, m.Registry, "termrelay_reducer_outputs_total", prometheus.Labels{"result": "reduced"}); v != 2 {
		t.Errorf("reduced = %v, want 2", v)
	}
	if v := counterValue(t, m.Registry, "termrelay_reducer_outputs_total", prometheus.Labels{"result": "unchanged"}); v != 1 {
		t.Errorf("unchanged = %v, want 1", v)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	h.AddCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["database"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("database check = %+v", got)
	}
	if status.Checks["sandbox"].Status != "ok" {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthChecker_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)
	for _, name := range []string{"a", "b", "c"} {
		h.AddCheck(name, func(ctx context.Context) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}
	start := time.Now()
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Fatalf("status = %q", status.Status)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("checks took %s, expected them to overlap", elapsed)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report zero")
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, discardLogger())

	a.RecordError("sandbox_create")
	a.RecordError("sandbox_create")
	if r := a.ErrorRate("sandbox_create"); r != 0 {
		t.Errorf("rate with too few samples = %v, want 0", r)
	}

	for i := 0; i < 4; i++ {
		a.RecordSuccess("sandbox_create")
	}
	for i := 0; i < 4; i++ {
		a.RecordError("sandbox_create")
	}
	if r := a.ErrorRate("sandbox_create"); r != 0.6 {
		t.Errorf("rate = %v, want 0.6", r)
	}
	if !a.alerting["sandbox_create"] {
		t.Error("operation above threshold should be alerting")
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }
	for i := 0; i < 10; i++ {
		a.RecordError("llm_request")
	}
	now = now.Add(2 * time.Minute)
	if r := a.ErrorRate("llm_request"); r != 0 {
		t.Errorf("rate after window = %v, want 0", r)
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name    string
	events  []llm.StreamEvent
	openErr error
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) StreamMessage(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range m.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestInstrumentedProvider_StreamSuccess(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{name: "openai", events: []llm.StreamEvent{
		{Type: llm.EventText, Content: "ok"},
		{Type: llm.EventDone, FinishReason: llm.FinishStop, Usage: llm.Usage{InputTokens: 10, OutputTokens: 3}},
	}}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	events, err := p.StreamMessage(context.Background(), &llm.Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	var n int
	for range events {
		n++
	}
	if n != 2 {
		t.Errorf("forwarded %d events, want 2", n)
	}

	if v := counterValue(t, metrics.Registry, "termrelay_llm_requests_total", prometheus.Labels{"provider": "openai", "model": "gpt-4o-mini", "status": "success"}); v != 1 {
		t.Errorf("llm requests = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "termrelay_llm_tokens_used_total", prometheus.Labels{"direction": "input"}); v != 10 {
		t.Errorf("input tokens = %v, want 10", v)
	}
}

func TestInstrumentedProvider_OpenError(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{name: "openai", openErr: errors.New("Rate limit reached for requests")}

	p := NewInstrumentedProvider(inner, metrics, nil, nil)
	_, err := p.StreamMessage(context.Background(), &llm.Request{Model: "gpt-4o"})
	if err == nil || !strings.Contains(err.Error(), "Rate limit reached") {
		t.Fatalf("err = %v, want provider error passed through", err)
	}
	if v := counterValue(t, metrics.Registry, "termrelay_llm_requests_total", prometheus.Labels{"status": "error"}); v != 1 {
		t.Errorf("error count = %v, want 1", v)
	}
}

func TestInstrumentedProvider_ConsumerLeaves(t *testing.T) {
	inner := &mockProvider{name: "openai", events: []llm.StreamEvent{
		{Type: llm.EventText, Content: "a"},
		{Type: llm.EventText, Content: "b"},
		{Type: llm.EventDone},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	p := NewInstrumentedProvider(inner, nil, nil, nil)
	events, err := p.StreamMessage(ctx, &llm.Request{})
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	<-events
	cancel()

	done := make(chan struct{})
	go func() {
		for range events {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wrapped stream did not close after cancel")
	}
}

// --- InstrumentedSandbox ---

type mockSandbox struct {
	createErr error
	killed    int
}

func (m *mockSandbox) Create(_ context.Context, template string, timeout time.Duration) (*sandbox.Handle, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	now := time.Now()
	return &sandbox.Handle{ID: "sbx-1", Template: template, CreatedAt: now, Deadline: now.Add(timeout)}, nil
}

func (m *mockSandbox) RunCommand(context.Context, *sandbox.Handle, string) (*sandbox.Process, error) {
	return sandbox.NewProcess(strings.NewReader("done\n"), func() (int, error) { return 0, nil }), nil
}

func (m *mockSandbox) Upload(_ context.Context, _ *sandbox.Handle, name string, _ []byte) (string, error) {
	return "/home/sandbox/files/" + name, nil
}

func (m *mockSandbox) Kill(context.Context, *sandbox.Handle) error {
	m.killed++
	return nil
}

func TestInstrumentedSandbox_Lifecycle(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{}
	s := NewInstrumentedSandbox(inner, "process", metrics, nil, nil)
	ctx := context.Background()

	h, err := s.Create(ctx, "pro-terminal-plugins-v1", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if g := gaugeValue(t, metrics.Registry, "termrelay_sandbox_active"); g != 1 {
		t.Errorf("active after create = %v, want 1", g)
	}

	p, err := s.RunCommand(ctx, h, "echo done")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	out, _ := io.ReadAll(p)
	if string(out) != "done\n" {
		t.Errorf("output = %q", out)
	}

	if err := s.Kill(ctx, h); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if inner.killed != 1 {
		t.Errorf("inner kills = %d", inner.killed)
	}
	if g := gaugeValue(t, metrics.Registry, "termrelay_sandbox_active"); g != 0 {
		t.Errorf("active after kill = %v, want 0", g)
	}
	for _, op := range []string{"create", "run_command", "kill"} {
		if v := counterValue(t, metrics.Registry, "termrelay_sandbox_operations_total", prometheus.Labels{"type": "process", "operation": op, "status": "success"}); v != 1 {
			t.Errorf("%s count = %v, want 1", op, v)
		}
	}
}

func TestInstrumentedSandbox_CreateError(t *testing.T) {
	metrics := NewMetricsCollector()
	s := NewInstrumentedSandbox(&mockSandbox{createErr: errors.New("image not found")}, "docker", metrics, nil, nil)

	if _, err := s.Create(context.Background(), "free-terminal-plugins-v1", time.Minute); err == nil {
		t.Fatal("expected error")
	}
	if v := counterValue(t, metrics.Registry, "termrelay_sandbox_operations_total", prometheus.Labels{"operation": "create", "status": "error"}); v != 1 {
		t.Errorf("create errors = %v, want 1", v)
	}
	if g := gaugeValue(t, metrics.Registry, "termrelay_sandbox_active"); g != 0 {
		t.Errorf("active = %v, want 0", g)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest("POST", "/v1/chat/tools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if v := counterValue(t, metrics.Registry, "termrelay_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/chat/tools", "status_code": "429"}); v != 1 {
		t.Errorf("http requests = %v, want 1", v)
	}
}

func TestHTTPMetricsMiddleware_PreservesFlusher(t *testing.T) {
	var flushable bool
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.Write([]byte("0:\"hi\"\n"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/chat/tools", nil))

	if !flushable {
		t.Error("wrapped writer lost http.Flusher")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	var total float64
	for _, metric := range matching(t, reg, name, labels) {
		total += metric.GetCounter().GetValue()
	}
	return total
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	for _, metric := range matching(t, reg, name, nil) {
		return metric.GetGauge().GetValue()
	}
	return 0
}

func matching(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	var out []*dto.Metric
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				out = append(out, metric)
			}
		}
	}
	return out
}
