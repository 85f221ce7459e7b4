package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/stream"
	"github.com/jkaninda/termrelay/internal/terminal"
)

// TerminalToolName is the only tool offered to the model.
const TerminalToolName = "terminal"

const terminalToolSchema = `{
  "type": "object",
  "properties": {
    "command": {
      "type": "string",
      "minLength": 1,
      "description": "The terminal command to execute"
    },
    "files": {
      "type": "array",
      "maxItems": 3,
      "description": "Files to upload to sandbox before executing command (max 3 files)",
      "items": {
        "type": "object",
        "properties": {
          "fileId": {"type": "string", "description": "ID of the file to upload"}
        },
        "required": ["fileId"]
      }
    }
  },
  "required": ["command"]
}`

var (
	terminalSchema = jsonschema.MustCompileString("terminal_tool.json", terminalToolSchema)
	terminalTool   = llm.ToolDefinition{
		Name:        TerminalToolName,
		Description: "Generate and execute a terminal command",
		InputSchema: mustSchemaMap(terminalToolSchema),
	}
)

func mustSchemaMap(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		panic(err)
	}
	return m
}

// terminalArgs are the arguments of a terminal tool call.
type terminalArgs struct {
	Command string             `json:"command"`
	Files   []terminal.FileRef `json:"files,omitempty"`
}

// parseTerminalArgs validates raw against the tool schema and decodes it.
func parseTerminalArgs(raw string) (*terminalArgs, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := terminalSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("arguments do not match the terminal tool schema: %w", err)
	}
	var args terminalArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return &args, nil
}

// executeTool runs one tool call and returns the content fed back to the
// model. Problems the model can react to, such as a rejected command or a
// failed upload, become the returned content. A non-nil error ends the turn.
func (o *Orchestrator) executeTool(ctx context.Context, t *turn, call llm.ToolCall) (string, error) {
	ctx, span := o.obs.StartSpan(ctx, "agent.tool_call",
		trace.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("tool_call_id", call.ID),
			attribute.String("plugin", pluginLabel(t.req.Plugin)),
		))
	defer span.End()

	if call.Name != TerminalToolName {
		return fmt.Sprintf("Unknown tool %q. Only the %q tool is available.", call.Name, TerminalToolName), nil
	}

	args, err := parseTerminalArgs(call.Arguments)
	if err != nil {
		span.SetStatus(codes.Error, "invalid arguments")
		return fmt.Sprintf("Invalid tool arguments: %s", err.Error()), nil
	}
	command := strings.TrimSpace(args.Command)
	span.SetAttributes(attribute.String("command", command))

	rec := &ExecutionRecord{
		CallerID:      t.req.CallerID,
		CorrelationID: t.req.CorrelationID,
		Plugin:        t.req.Plugin,
		Command:       command,
		ExitCode:      -1,
		CreatedAt:     time.Now().UTC(),
	}

	if err := o.policy.Validate(t.req.Plugin, command); err != nil {
		var rejected *plugin.RejectedError
		if !errors.As(err, &rejected) {
			return "", err
		}
		rec.Rejected = true
		o.obs.MetricsOrNil().RecordToolExecution(pluginLabel(t.req.Plugin), "rejected", 0)
		o.logger.WarnContext(ctx, "command rejected by plugin policy",
			slog.String("caller_id", t.req.CallerID),
			slog.String("plugin", pluginLabel(t.req.Plugin)),
			slog.String("required_prefix", rejected.RequiredPrefix),
			slog.String("command", command),
		)
		o.recordAudit(ctx, rec)
		return err.Error(), nil
	}

	h, err := t.session.Ensure(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox unavailable")
		o.obs.MetricsOrNil().RecordToolExecution(pluginLabel(t.req.Plugin), "error", 0)
		return "", err
	}

	sink := terminal.SinkFunc(func(ctx context.Context, text string) error {
		return o.emit(ctx, t, stream.Delta(text))
	})

	if len(args.Files) > 0 {
		if _, err := terminal.UploadFiles(ctx, o.files, t.req.CallerID, args.Files, o.sandboxes.Provider(), h, sink); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			o.logger.WarnContext(ctx, "file upload failed",
				slog.String("caller_id", t.req.CallerID),
				slog.String("sandbox_id", h.ID),
				slog.String("error", err.Error()),
			)
			span.RecordError(err)
			o.obs.MetricsOrNil().RecordToolExecution(pluginLabel(t.req.Plugin), "error", 0)
			o.recordAudit(ctx, rec)
			return fmt.Sprintf("Failed to upload files: %s", err.Error()), nil
		}
	}

	res, err := o.runner.Run(ctx, h, command, sink)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		span.RecordError(err)
		o.obs.MetricsOrNil().RecordToolExecution(pluginLabel(t.req.Plugin), "error", 0)
		o.recordAudit(ctx, rec)
		return fmt.Sprintf("Failed to execute command: %s", err.Error()), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	t.executed++

	rec.ExitCode = res.ExitCode
	rec.Partial = res.Partial
	rec.Duration = res.Duration
	rec.OutputTokens = o.runner.Reducer().Count(res.Output)

	status := "success"
	switch {
	case res.Partial:
		status = "partial"
	case res.ExitCode != 0:
		status = "nonzero_exit"
	}
	o.obs.MetricsOrNil().RecordToolExecution(pluginLabel(t.req.Plugin), status, res.Duration)
	o.obs.MetricsOrNil().RecordReduction(rec.OutputTokens, res.Reduced != res.Output)
	span.SetAttributes(
		attribute.Int("exit_code", res.ExitCode),
		attribute.Bool("partial", res.Partial),
		attribute.Int("output_tokens", rec.OutputTokens),
	)
	o.recordAudit(ctx, rec)

	return toolContent(res), nil
}

// toolContent is the model-facing form of a command result.
func toolContent(res *terminal.Result) string {
	content := res.Reduced
	if strings.TrimSpace(content) == "" {
		content = fmt.Sprintf("Command exited with code %d and produced no output.", res.ExitCode)
	}
	if res.Partial {
		content += "\n[output incomplete: the command did not finish]"
	}
	return content
}

func (o *Orchestrator) recordAudit(ctx context.Context, rec *ExecutionRecord) {
	o.logger.InfoContext(ctx, "terminal command",
		slog.String("caller_id", rec.CallerID),
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("plugin", pluginLabel(rec.Plugin)),
		slog.String("command", rec.Command),
		slog.Bool("rejected", rec.Rejected),
		slog.Int("exit_code", rec.ExitCode),
		slog.Bool("partial", rec.Partial),
		slog.Int("output_tokens", rec.OutputTokens),
	)
	if o.audit == nil {
		return
	}
	if err := o.audit.RecordExecution(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.WarnContext(ctx, "recording execution failed",
			slog.String("correlation_id", rec.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}
