package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/config"
	"github.com/jkaninda/termrelay/internal/llm"
	"github.com/jkaninda/termrelay/internal/llm/openai"
	"github.com/jkaninda/termrelay/internal/observability"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/sandbox"
	"github.com/jkaninda/termrelay/internal/storage"
	pgstore "github.com/jkaninda/termrelay/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/termrelay/internal/storage/sqlite"
	"github.com/jkaninda/termrelay/internal/terminal"
	"github.com/jkaninda/termrelay/internal/tokens"
)

// newLogger builds the JSON logger on stderr. stdout is left to command
// output and the MCP transport.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	path := goutils.Env("TERMRELAY_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// SharedComponents holds the subsystems every mode needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability

	Policy    *plugin.Policy
	Sandbox   sandbox.Provider
	Sweeper   sandbox.Sweeper
	Sandboxes *sandbox.Manager
	Runner    *terminal.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds observability, the sandbox stack and the command runner.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	sc.Policy = plugin.NewPolicy(plugin.Config{
		FreeTemplate: cfg.Plugins.FreeTemplate,
		ProTemplate:  cfg.Plugins.ProTemplate,
	})

	// Sandbox provider.
	provider, sweeper := newSandboxProvider(cfg, logger)
	sc.Sweeper = sweeper
	sc.Sandbox = provider
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		sc.Sandbox = observability.NewInstrumentedSandbox(provider, cfg.Sandbox.SandboxType(), obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Sandboxes = sandbox.NewManager(sc.Sandbox, cfg.Sandbox.Timeout(), logger)
	logger.Debug("sandbox initialized",
		slog.String("type", cfg.Sandbox.SandboxType()),
		slog.Duration("timeout", cfg.Sandbox.Timeout()),
		slog.Bool("network_allowed", cfg.Sandbox.NetworkAllowed),
	)

	// Output reducer.
	tok, err := tokens.NewTiktoken(cfg.Reducer.Encoding)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing tokenizer: %w", err)
	}
	reducer := tokens.NewReducer(tok, tokens.Config{
		BudgetTokens: cfg.Reducer.BudgetTokens,
		HeadTokens:   cfg.Reducer.HeadTokens,
	})
	sc.Runner = terminal.NewRunner(sc.Sandbox, reducer, logger)
	logger.Debug("reducer initialized", slog.Int("budget_tokens", reducer.Budget()))

	return sc, nil
}

func newSandboxProvider(cfg *config.Config, logger *slog.Logger) (sandbox.Provider, sandbox.Sweeper) {
	sc := cfg.Sandbox
	switch sc.SandboxType() {
	case "process":
		p := sandbox.NewProcessProvider(sandbox.ProcessConfig{
			BaseDir: sc.BaseDir,
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: sc.MaxCPUSeconds,
				MaxMemoryMB:   sc.MaxMemoryMB,
			},
		}, logger)
		return p, p
	default:
		p := sandbox.NewDockerProvider(sandbox.DockerConfig{
			Images:         sc.Docker.Images,
			DefaultImage:   sc.Docker.DefaultImage,
			MemoryMB:       sc.MaxMemoryMB,
			CPUCores:       sc.Docker.CPUCores,
			PIDsLimit:      sc.Docker.PIDsLimit,
			NetworkAllowed: sc.NetworkAllowed,
		}, logger)
		return p, p
	}
}

// newLLMProvider builds the primary OpenAI client, wraps it with the
// configured fallbacks and instruments the result.
func newLLMProvider(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) llm.StreamingProvider {
	var provider llm.StreamingProvider = newOpenAIClient(cfg.Providers.OpenAI, logger)

	if len(cfg.Providers.Fallback) > 0 {
		chain := []llm.StreamingProvider{provider}
		for _, fb := range cfg.Providers.Fallback {
			chain = append(chain, newOpenAIClient(fb, logger))
		}
		provider = llm.NewFallbackProvider(chain, logger)
	}

	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	return provider
}

func newOpenAIClient(oc config.OpenAIConfig, logger *slog.Logger) *openai.Client {
	var opts []openai.Option
	if oc.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(oc.BaseURL))
	}
	if oc.Organization != "" {
		opts = append(opts, openai.WithOrganization(oc.Organization))
	}
	if oc.Name != "" {
		opts = append(opts, openai.WithName(oc.Name))
	}
	return openai.NewClient(oc.APIKey, oc.BaseModel(), logger, opts...)
}

// newOrchestrator wires the tool-call loop. files and audit may be nil.
func newOrchestrator(sc *SharedComponents, provider llm.StreamingProvider, files terminal.FileRetriever, audit agent.AuditRecorder) *agent.Orchestrator {
	cfg := sc.Config
	o := agent.NewOrchestrator(provider, sc.Policy, sc.Sandboxes, sc.Runner, sc.Logger, agent.Config{
		Model:        cfg.Providers.OpenAI.BaseModel(),
		PremiumModel: cfg.Providers.OpenAI.Premium(),
		MaxTokens:    cfg.Providers.OpenAI.MaxOutputTokens(),
		MaxSteps:     cfg.Orchestrator.Steps(),
	}).
		WithPrompts(plugin.NewPrompts(cfg.Plugins.Prompts)).
		WithSanitizer(agent.NewWordSanitizer(cfg.Orchestrator.SanitizerWords)).
		WithObservability(sc.Obs)
	if files != nil {
		o = o.WithFiles(files)
	}
	if audit != nil {
		o = o.WithAudit(audit)
	}
	return o
}

// initStore opens the configured backend and runs migrations.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pc := cfg.Storage.Postgres
		db, openErr := pgstore.Open(pgstore.Config{
			DSN:             pc.DSN,
			MaxOpenConns:    pc.MaxOpenConns,
			MaxIdleConns:    pc.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if openErr != nil {
			return nil, openErr
		}
		store = pgstore.NewStore(db)
	default:
		var sqliteCfg sqlitestore.Config
		sqliteCfg.Path = cfg.DatabasePath()
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		store, err = sqlitestore.Open(sqliteCfg, logger)
		if err != nil {
			return nil, err
		}
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return store, nil
}
