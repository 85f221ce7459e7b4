// Package mcpserver exposes the sandboxed terminal tool to MCP clients over
// stdio. Each call gets its own sandbox, destroyed before the result is
// returned.
package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/termrelay/internal/observability"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/sandbox"
	"github.com/jkaninda/termrelay/internal/terminal"
)

const (
	serverName    = "termrelay"
	serverVersion = "0.1.0"

	// callerID attributes MCP sessions in logs and sandbox labels.
	callerID = "mcp"

	terminateTimeout = 30 * time.Second
)

// Server serves the terminal tool.
type Server struct {
	policy    *plugin.Policy
	sandboxes *sandbox.Manager
	runner    *terminal.Runner
	metrics   *observability.MetricsCollector
	logger    *slog.Logger
	mcp       *server.MCPServer
}

// New creates a Server and registers the terminal tool.
func New(policy *plugin.Policy, sandboxes *sandbox.Manager, runner *terminal.Runner, logger *slog.Logger) *Server {
	s := &Server{
		policy:    policy,
		sandboxes: sandboxes,
		runner:    runner,
		logger:    logger,
		mcp: server.NewMCPServer(serverName, serverVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.mcp.AddTool(terminalTool(), s.handleTerminal)
	return s
}

// WithMetrics records tool executions.
func (s *Server) WithMetrics(m *observability.MetricsCollector) *Server {
	s.metrics = m
	return s
}

func terminalTool() mcp.Tool {
	return mcp.NewTool("terminal",
		mcp.WithDescription("Generate and execute a terminal command in an isolated sandbox. Output is reduced to a bounded token budget."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The terminal command to execute"),
		),
		mcp.WithString("plugin",
			mcp.Description("Plugin restricting the command prefix, e.g. SSL_SCANNER. Empty allows any command."),
		),
	)
}

// Serve speaks MCP over in/out until ctx is canceled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server starting", slog.String("transport", "stdio"))
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handleTerminal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil || command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}

	id := plugin.None
	if name := req.GetString("plugin", ""); name != "" {
		parsed, ok := plugin.Parse(name)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("unknown plugin %q", name)), nil
		}
		id = parsed
	}

	if err := s.policy.Validate(id, command); err != nil {
		s.metrics.RecordToolExecution(label(id), "rejected", 0)
		s.logger.InfoContext(ctx, "mcp command rejected",
			slog.String("plugin", label(id)),
			slog.String("command", command),
		)
		return mcp.NewToolResultError(err.Error()), nil
	}

	session := s.sandboxes.NewSession(callerID, s.policy.TemplateFor(id))
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
		defer cancel()
		if err := session.Terminate(tctx); err != nil {
			s.logger.Warn("sandbox termination failed", slog.String("error", err.Error()))
		}
	}()

	h, err := session.Ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	// MCP results are not streamed; output is only returned once reduced.
	discard := terminal.SinkFunc(func(context.Context, string) error { return nil })
	res, err := s.runner.Run(ctx, h, command, discard)
	if err != nil {
		return mcp.NewToolResultError("Failed to execute command: " + err.Error()), nil
	}

	status := "success"
	switch {
	case res.Partial:
		status = "partial"
	case res.ExitCode != 0:
		status = "nonzero_exit"
	}
	s.metrics.RecordToolExecution(label(id), status, res.Duration)
	s.metrics.RecordReduction(s.runner.Reducer().Count(res.Output), res.Reduced != res.Output)

	text := res.Reduced
	if text == "" {
		text = fmt.Sprintf("Command exited with code %d and produced no output.", res.ExitCode)
	}
	result := mcp.NewToolResultText(text)
	result.IsError = res.ExitCode != 0
	return result, nil
}

func label(id plugin.ID) string {
	if id == plugin.None {
		return "NONE"
	}
	return id.String()
}
