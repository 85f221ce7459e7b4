package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/termrelay/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandboxed terminal tool to MCP clients over stdio",
	RunE:  runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New(sc.Policy, sc.Sandboxes, sc.Runner, logger).WithMetrics(sc.Obs.MetricsOrNil())
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
