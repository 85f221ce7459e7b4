package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/observability"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/sandbox"
	"github.com/jkaninda/termrelay/internal/stream"
	"github.com/jkaninda/termrelay/internal/terminal"
)

// Orchestrator is the default Agent implementation. Each Start call owns one
// sandbox session that is terminated exactly once when the turn ends.
type Orchestrator struct {
	provider  llm.StreamingProvider
	policy    *plugin.Policy
	sandboxes *sandbox.Manager
	runner    *terminal.Runner
	logger    *slog.Logger
	cfg       Config

	prompts   *plugin.Prompts              // nil = no plugin prompts
	files     terminal.FileRetriever       // nil = uploads refused
	sanitizer Sanitizer                    // nil = messages passed through
	audit     AuditRecorder                // nil = no audit trail
	obs       *observability.Observability // nil = observability disabled
}

// NewOrchestrator creates an agent that serves tool calls through runner on
// sandboxes handed out by sandboxes.
func NewOrchestrator(provider llm.StreamingProvider, policy *plugin.Policy, sandboxes *sandbox.Manager,
	runner *terminal.Runner, logger *slog.Logger, cfg Config,
) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		policy:    policy,
		sandboxes: sandboxes,
		runner:    runner,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		prompts:   plugin.NewPrompts(nil),
	}
}

// WithPrompts replaces the plugin prompt set.
func (o *Orchestrator) WithPrompts(p *plugin.Prompts) *Orchestrator {
	o.prompts = p
	return o
}

// WithFiles enables file uploads into sandboxes.
func (o *Orchestrator) WithFiles(files terminal.FileRetriever) *Orchestrator {
	o.files = files
	return o
}

// WithSanitizer rewrites the latest user message before every turn.
func (o *Orchestrator) WithSanitizer(s Sanitizer) *Orchestrator {
	o.sanitizer = s
	return o
}

// WithAudit records every terminal tool call.
func (o *Orchestrator) WithAudit(a AuditRecorder) *Orchestrator {
	o.audit = a
	return o
}

// WithObservability attaches metrics, tracing and anomaly detection.
func (o *Orchestrator) WithObservability(obs *observability.Observability) *Orchestrator {
	o.obs = obs
	return o
}

// turn is the state of one Start call.
type turn struct {
	req      *Request
	session  *sandbox.Session
	llmReq   *llm.Request
	out      chan stream.Record
	span     trace.Span
	executed int
}

// Start prepares the conversation and opens the first model stream. Errors
// from this point are returned as *Error and nothing is streamed. Once the
// stream is open, the turn continues in the background and ends with exactly
// one finish record.
func (o *Orchestrator) Start(ctx context.Context, req *Request) (<-chan stream.Record, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, badRequest("messages are required")
	}

	msgs := prepareMessages(req.Messages, o.sanitizer, req.Continuation)
	if len(msgs) == 0 {
		return nil, badRequest("no messages left after preparation")
	}

	ctx, span := o.obs.StartSpan(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("caller_id", req.CallerID),
			attribute.String("correlation_id", req.CorrelationID),
			attribute.String("plugin", pluginLabel(req.Plugin)),
			attribute.Bool("continuation", req.Continuation),
		))

	t := &turn{
		req:     req,
		session: o.sandboxes.NewSession(req.CallerID, o.policy.TemplateFor(req.Plugin)),
		llmReq: &llm.Request{
			Model:             o.modelFor(req),
			SystemPrompt:      o.systemPrompt(req),
			Messages:          msgs,
			MaxTokens:         o.cfg.MaxTokens,
			Tools:             []llm.ToolDefinition{terminalTool},
			ParallelToolCalls: false,
		},
		out:  make(chan stream.Record),
		span: span,
	}

	o.logger.DebugContext(ctx, "starting tool turn",
		slog.String("caller_id", req.CallerID),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("plugin", pluginLabel(req.Plugin)),
		slog.String("model", t.llmReq.Model),
		slog.Int("messages", len(msgs)),
	)

	events, err := o.provider.StreamMessage(ctx, t.llmReq)
	if err != nil {
		mapped := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, mapped.Message)
		span.End()
		o.logger.ErrorContext(ctx, "model stream failed to open",
			slog.String("caller_id", req.CallerID),
			slog.String("correlation_id", req.CorrelationID),
			slog.Int("status", mapped.StatusCode),
			slog.String("error", err.Error()),
		)
		return nil, mapped
	}

	go o.run(ctx, t, events)
	return t.out, nil
}

// run drives the loop until a finish record is emitted. The sandbox is
// terminated before the channel closes, so a client that reads to the end
// never observes a live sandbox.
func (o *Orchestrator) run(ctx context.Context, t *turn, events <-chan llm.StreamEvent) {
	start := time.Now()
	defer close(t.out)
	defer t.span.End()
	defer o.terminate(ctx, t)

	reason := o.loop(ctx, t, events)
	t.span.SetAttributes(
		attribute.String("finish_reason", string(reason)),
		attribute.Int("tool_calls", t.executed),
	)
	if reason == stream.FinishError {
		t.span.SetStatus(codes.Error, "turn failed")
	}

	if err := o.emit(ctx, t, stream.Finish(reason)); err != nil {
		o.logger.InfoContext(ctx, "client left before finish",
			slog.String("caller_id", t.req.CallerID),
			slog.String("correlation_id", t.req.CorrelationID),
		)
	}

	o.logger.InfoContext(ctx, "tool turn finished",
		slog.String("caller_id", t.req.CallerID),
		slog.String("correlation_id", t.req.CorrelationID),
		slog.String("finish_reason", string(reason)),
		slog.Int("tool_calls", t.executed),
		slog.Duration("duration", time.Since(start)),
	)
}

// loop alternates model steps and tool execution. It returns the finish
// reason to report; it never emits the finish record itself.
func (o *Orchestrator) loop(ctx context.Context, t *turn, events <-chan llm.StreamEvent) stream.FinishReason {
	for step := 1; ; step++ {
		res := o.consume(ctx, t, events)
		if res.err != nil {
			if ctx.Err() == nil {
				t.span.RecordError(res.err)
				o.logger.ErrorContext(ctx, "model stream failed",
					slog.String("correlation_id", t.req.CorrelationID),
					slog.Int("step", step),
					slog.String("error", res.err.Error()),
				)
			}
			return stream.FinishError
		}
		if len(res.calls) == 0 {
			return finishReason(res.finish)
		}

		t.llmReq.Messages = append(t.llmReq.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   res.text,
			ToolCalls: res.calls,
		})
		for _, call := range res.calls {
			content, err := o.executeTool(ctx, t, call)
			if err != nil {
				if ctx.Err() == nil {
					t.span.RecordError(err)
					o.logger.ErrorContext(ctx, "tool call failed",
						slog.String("correlation_id", t.req.CorrelationID),
						slog.String("tool_call_id", call.ID),
						slog.String("error", err.Error()),
					)
				}
				return stream.FinishError
			}
			t.llmReq.Messages = append(t.llmReq.Messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
		}

		if step >= o.cfg.MaxSteps {
			return stream.FinishToolCalls
		}

		var err error
		events, err = o.provider.StreamMessage(ctx, t.llmReq)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.ErrorContext(ctx, "model stream failed to reopen",
					slog.String("correlation_id", t.req.CorrelationID),
					slog.Int("step", step+1),
					slog.String("error", err.Error()),
				)
			}
			return stream.FinishError
		}
	}
}

type stepResult struct {
	text   string
	calls  []llm.ToolCall
	finish string
	err    error
}

// consume forwards text deltas and collects tool calls until the model
// stream ends.
func (o *Orchestrator) consume(ctx context.Context, t *turn, events <-chan llm.StreamEvent) stepResult {
	var res stepResult
	var text []byte
	for {
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
			return res
		case ev, ok := <-events:
			if !ok {
				res.text = string(text)
				return res
			}
			switch ev.Type {
			case llm.EventText:
				if ev.Content == "" {
					continue
				}
				text = append(text, ev.Content...)
				if err := o.emit(ctx, t, stream.Delta(ev.Content)); err != nil {
					res.err = err
					return res
				}
			case llm.EventToolCall:
				if ev.ToolCall != nil {
					res.calls = append(res.calls, *ev.ToolCall)
				}
			case llm.EventDone:
				res.finish = ev.FinishReason
			case llm.EventError:
				res.err = ev.Error
				return res
			}
		}
	}
}

// emit sends r to the client, giving up when ctx is done.
func (o *Orchestrator) emit(ctx context.Context, t *turn, r stream.Record) error {
	select {
	case t.out <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate destroys the turn's sandbox. It runs on a context detached from
// the request so a disconnect cannot skip teardown.
func (o *Orchestrator) terminate(ctx context.Context, t *turn) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	if err := t.session.Terminate(tctx); err != nil {
		o.logger.ErrorContext(tctx, "sandbox teardown failed",
			slog.String("caller_id", t.req.CallerID),
			slog.String("correlation_id", t.req.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

// finishReason maps a provider finish reason to the wire value.
func finishReason(r string) stream.FinishReason {
	switch r {
	case llm.FinishStop:
		return stream.FinishStop
	case llm.FinishLength:
		return stream.FinishLength
	case llm.FinishToolCalls:
		return stream.FinishToolCalls
	case llm.FinishContentFilter:
		return stream.FinishContentFilter
	default:
		return stream.FinishUnknown
	}
}
