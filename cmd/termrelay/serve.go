package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/termrelay/internal/config"
	"github.com/jkaninda/termrelay/internal/gateway"
	"github.com/jkaninda/termrelay/internal/gateway/httpapi"
	"github.com/jkaninda/termrelay/internal/gateway/ws"
	"github.com/jkaninda/termrelay/internal/ratelimit"
	"github.com/jkaninda/termrelay/internal/sandbox"
	"github.com/jkaninda/termrelay/internal/storage"
)

// housekeepingSchedule prunes idle rate-limit buckets and old execution records.
const housekeepingSchedule = "@hourly"

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket gateways",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `termrelay --port :9090`
	// and `termrelay serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	httpCfg := cfg.Gateways.HTTP
	if httpCfg == nil || !httpCfg.Enabled {
		return fmt.Errorf("no gateways enabled in config")
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	files := storage.NewFileService(store.Files(), cfg.Storage.FileQuota())
	orch := newOrchestrator(sc, newLLMProvider(cfg, sc.Obs, logger), files, storage.NewAuditRecorder(store.Executions()))

	auth := gateway.NewAuthenticator(httpCfg.APIKeyUserMapping, httpCfg.PrivilegedUsers)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})

	registerHealthChecks(sc, store)

	// Sandbox janitor.
	if cfg.Sandbox.Janitor.Enabled {
		janitor, err := sandbox.NewJanitor(sc.Sweeper, cfg.Sandbox.Janitor.Schedule, logger)
		if err != nil {
			return err
		}
		janitor.OnSweep = func(removed int, err error) {
			if err == nil {
				sc.Obs.MetricsOrNil().RecordSweep(removed)
			}
		}
		cancelJanitor := janitor.Start(ctx)
		defer cancelJanitor()
	}

	housekeeping := cron.New()
	if _, err := housekeeping.AddFunc(housekeepingSchedule, func() {
		runHousekeeping(ctx, limiter, store.Executions(), cfg.Storage.Retention(), logger)
	}); err != nil {
		return fmt.Errorf("scheduling housekeeping: %w", err)
	}
	housekeeping.Start()
	defer housekeeping.Stop()

	// Gateways.
	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
	}
	if obs := sc.Obs; obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.Metrics
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}
	httpGW := httpapi.NewGateway(gwCfg, orch, auth, limiter, logger).
		WithFiles(files).
		WithExecutions(store.Executions())

	if wsCfg := httpCfg.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer := ws.NewServer(orch, auth, limiter, wsCfg, logger).WithMetrics(sc.Obs.MetricsOrNil())
		httpGW.WithHandler(wsServer.Path(), wsServer.Handler())
		logger.Info("websocket endpoint enabled", slog.String("path", wsServer.Path()))
	}

	gateways := []gateway.Gateway{httpGW}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	g, gctx := errgroup.WithContext(ctx)
	for _, gw := range gateways {
		g.Go(func() error { return gw.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		// Graceful shutdown with deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := len(gateways) - 1; i >= 0; i-- {
			if err := gateways[i].Stop(shutdownCtx); err != nil {
				logger.Error("stopping gateway", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway exited with error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func registerHealthChecks(sc *SharedComponents, store storage.Store) {
	obs := sc.Obs
	if obs == nil || obs.Health == nil {
		return
	}
	var hc *config.HealthConfig
	if sc.Config.Observability != nil {
		hc = sc.Config.Observability.Health
	}
	if hc == nil || hc.IncludeDB {
		obs.Health.AddCheck("database", store.Ping)
	}
	if hc != nil && hc.IncludeSandbox && sc.Config.Sandbox.SandboxType() == "docker" {
		obs.Health.AddCheck("sandbox", func(ctx context.Context) error {
			return exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run()
		})
	}
}

func runHousekeeping(ctx context.Context, limiter *ratelimit.Limiter, executions storage.ExecutionStore, retention time.Duration, logger *slog.Logger) {
	pruned := limiter.Prune(time.Hour)
	deleted, err := executions.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.WarnContext(ctx, "pruning execution history failed", slog.String("error", err.Error()))
		return
	}
	logger.DebugContext(ctx, "housekeeping done",
		slog.Int("rate_limit_buckets_pruned", pruned),
		slog.Int64("executions_pruned", deleted),
	)
}
