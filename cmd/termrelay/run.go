package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/gateway"
	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/stream"
)

var (
	runMessage    string
	runPlugin     string
	runProfile    string
	runPrivileged bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one tool chat turn locally and print the answer",
	Long: `Run a single turn in-process, without the HTTP gateway or storage.
The model's text and the live command output are printed to stdout as they arrive.

Examples:
  termrelay run -m "check the TLS setup of example.com" --plugin SSL_SCANNER
  termrelay run -m "who owns example.com" --plugin WHOIS_LOOKUP`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runMessage, "message", "m", "", "user message (required)")
	runCmd.Flags().StringVar(&runPlugin, "plugin", "", "plugin wire name, e.g. SSL_SCANNER")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "user profile context")
	runCmd.Flags().BoolVar(&runPrivileged, "privileged", false, "use the premium model")
	_ = runCmd.MarkFlagRequired("message")
}

func runRun(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	id := plugin.None
	if runPlugin != "" {
		parsed, ok := plugin.Parse(runPlugin)
		if !ok {
			return fmt.Errorf("unknown plugin %q", runPlugin)
		}
		id = parsed
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := newOrchestrator(sc, newLLMProvider(cfg, sc.Obs, logger), nil, nil)
	records, err := orch.Start(ctx, &agent.Request{
		CallerID:       "local",
		ProfileContext: runProfile,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: runMessage}},
		Plugin:         id,
		Privileged:     runPrivileged,
		CorrelationID:  gateway.NewCorrelationID(),
	})
	if err != nil {
		return err
	}

	var finish stream.FinishReason
	for rec := range records {
		switch rec.Kind {
		case stream.KindDelta:
			fmt.Fprint(os.Stdout, rec.Text)
		case stream.KindFinish:
			finish = rec.FinishReason
		}
	}
	fmt.Fprintln(os.Stdout)

	if finish == stream.FinishError {
		return fmt.Errorf("turn finished with an error")
	}
	fmt.Fprintf(os.Stderr, "finish: %s\n", finish)
	return nil
}
