package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.StreamingProvider with metrics, tracing
// and anomaly detection. A request is measured from opening the stream to
// the close of its event channel.
type InstrumentedProvider struct {
	inner   llm.StreamingProvider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.StreamingProvider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) StreamMessage(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	provider := p.inner.Name()
	model := req.Model

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.stream_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", model),
				attribute.Int("llm.messages", len(req.Messages)),
			))
	}

	start := time.Now()
	events, err := p.inner.StreamMessage(ctx, req)
	if err != nil {
		p.record(span, provider, model, start, llm.Usage{}, err)
		return nil, err
	}

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		var usage llm.Usage
		var streamErr error
		abandoned := false
		// Keep draining after the consumer leaves so the inner goroutine can exit.
		for ev := range events {
			switch ev.Type {
			case llm.EventDone:
				usage = ev.Usage
			case llm.EventError:
				streamErr = ev.Error
			}
			if abandoned {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				abandoned = true
				streamErr = ctx.Err()
			}
		}
		p.record(span, provider, model, start, usage, streamErr)
	}()
	return out, nil
}

func (p *InstrumentedProvider) record(span trace.Span, provider, model string, start time.Time, usage llm.Usage, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int("llm.input_tokens", usage.InputTokens),
			attribute.Int("llm.output_tokens", usage.OutputTokens),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
		p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
		p.metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
	}

	if err != nil {
		p.anomaly.RecordError("llm_request")
	} else {
		p.anomaly.RecordSuccess("llm_request")
	}
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Provider with metrics, tracing and
// anomaly detection. RunCommand is measured until the command has started;
// the command itself is measured by the tool-call metrics.
type InstrumentedSandbox struct {
	inner       sandbox.Provider
	sandboxType string // "process" or "docker"
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox provider with observability.
func NewInstrumentedSandbox(inner sandbox.Provider, sandboxType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (s *InstrumentedSandbox) Create(ctx context.Context, template string, timeout time.Duration) (*sandbox.Handle, error) {
	ctx, done := s.begin(ctx, "create", attribute.String("sandbox.template", template))
	h, err := s.inner.Create(ctx, template, timeout)
	done(err)
	if err == nil && s.metrics != nil {
		s.metrics.ActiveSandboxes.Inc()
	}
	return h, err
}

func (s *InstrumentedSandbox) RunCommand(ctx context.Context, h *sandbox.Handle, command string) (*sandbox.Process, error) {
	ctx, done := s.begin(ctx, "run_command", sandboxID(h))
	p, err := s.inner.RunCommand(ctx, h, command)
	done(err)
	return p, err
}

func (s *InstrumentedSandbox) Upload(ctx context.Context, h *sandbox.Handle, name string, data []byte) (string, error) {
	ctx, done := s.begin(ctx, "upload", sandboxID(h), attribute.Int("sandbox.upload_bytes", len(data)))
	path, err := s.inner.Upload(ctx, h, name, data)
	done(err)
	return path, err
}

func (s *InstrumentedSandbox) Kill(ctx context.Context, h *sandbox.Handle) error {
	ctx, done := s.begin(ctx, "kill", sandboxID(h))
	err := s.inner.Kill(ctx, h)
	done(err)
	// A failed kill still ends the sandbox's life from our side; the
	// provider's own deadline or the janitor reclaims it.
	if s.metrics != nil {
		s.metrics.ActiveSandboxes.Dec()
	}
	return err
}

// begin starts a span for one provider operation and returns a function
// that records its outcome.
func (s *InstrumentedSandbox) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	var span trace.Span
	if s.tracer != nil {
		attrs = append(attrs, attribute.String("sandbox.type", s.sandboxType))
		ctx, span = s.tracer.Start(ctx, "sandbox."+op, trace.WithAttributes(attrs...))
	}
	start := time.Now()

	return ctx, func(err error) {
		status := "success"
		if err != nil {
			status = "error"
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		if s.metrics != nil {
			s.metrics.SandboxOperationsTotal.WithLabelValues(s.sandboxType, op, status).Inc()
			s.metrics.SandboxOperationDuration.WithLabelValues(s.sandboxType, op).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			s.anomaly.RecordError("sandbox_" + op)
		} else {
			s.anomaly.RecordSuccess("sandbox_" + op)
		}
	}
}

func sandboxID(h *sandbox.Handle) attribute.KeyValue {
	if h == nil {
		return attribute.String("sandbox.id", "")
	}
	return attribute.String("sandbox.id", h.ID)
}

var (
	_ llm.StreamingProvider = (*InstrumentedProvider)(nil)
	_ sandbox.Provider      = (*InstrumentedSandbox)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
