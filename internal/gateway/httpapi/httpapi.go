// Package httpapi implements the HTTP gateway.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/gateway"
	"github.com/jkaninda/termrelay/internal/observability"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/ratelimit"
	"github.com/jkaninda/termrelay/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ChatToolsPath is the streaming chat endpoint.
const ChatToolsPath = "/v1/chat/tools"

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config     Config
	agent      agent.Agent
	auth       *gateway.Authenticator
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	files      *storage.FileService   // nil = file endpoints disabled.
	executions storage.ExecutionStore // nil = execution history disabled.

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket endpoint).
	extraRoutes []extraRoute

	okapi  *okapi.Okapi
	server *http.Server
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, a agent.Agent, auth *gateway.Authenticator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		agent:   a,
		auth:    auth,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithFiles enables POST/GET/DELETE /v1/files.
func (g *Gateway) WithFiles(files *storage.FileService) *Gateway {
	g.files = files
	return g
}

// WithExecutions enables GET /v1/executions.
func (g *Gateway) WithExecutions(store storage.ExecutionStore) *Gateway {
	g.executions = store
	return g
}

// WithHandler mounts an additional GET handler at pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "termrelay",
			Version: "v0.1.0",
		},
	)
}

// Start registers the routes, launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// The chat endpoint streams, so it is a plain handler with its own
	// authentication rather than an okapi route.
	g.okapi.HandleStd(http.MethodPost, ChatToolsPath, g.handleChatTools)

	group := g.okapi.Group("/v1", g.authenticate)
	group.Get("/plugins", g.handlePlugins,
		okapi.DocSummary("List terminal plugins and their command restrictions"),
		okapi.DocTags("Plugins"),
		okapi.DocResponse([]PluginResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	if g.files != nil {
		group.Post("/files", g.handleFileUpload,
			okapi.DocSummary("Upload a file that tool calls can copy into the sandbox"),
			okapi.DocTags("Files"),
			okapi.DocRequestBody(FileUploadRequest{}),
			okapi.DocResponse(http.StatusCreated, FileResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
		group.Get("/files", g.handleFileList,
			okapi.DocSummary("List uploaded files"),
			okapi.DocTags("Files"),
			okapi.DocResponse([]FileResponse{}),
		)
		group.Delete("/files/{id}", g.handleFileDelete,
			okapi.DocSummary("Delete an uploaded file"),
			okapi.DocTags("Files"),
			okapi.DocPathParam("id", "string", "File ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	if g.executions != nil {
		group.Get("/executions", g.handleExecutions,
			okapi.DocSummary("List the caller's recent terminal commands"),
			okapi.DocTags("Executions"),
			okapi.DocResponse([]storage.Execution{}),
		)
	}

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(http.MethodGet, er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}

	// No WriteTimeout: responses stream for as long as the sandbox lives.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// PluginResponse describes one terminal plugin.
type PluginResponse struct {
	Name          string `json:"name"`
	CommandPrefix string `json:"command_prefix,omitempty"`
	Tier          string `json:"tier"`
}

func (g *Gateway) handlePlugins(c *okapi.Context) error {
	return c.OK(pluginList())
}

func pluginList() []PluginResponse {
	profiles := plugin.All()
	out := make([]PluginResponse, 0, len(profiles))
	for _, p := range profiles {
		name := p.ID.String()
		if name == "" {
			name = "NONE"
		}
		out = append(out, PluginResponse{
			Name:          name,
			CommandPrefix: p.CommandPrefix,
			Tier:          p.Tier.String(),
		})
	}
	return out
}

func (g *Gateway) handleExecutions(c *okapi.Context) error {
	callerID := c.GetString("userID")
	list, err := g.executions.List(c.Context(), callerID, 50)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "listing executions failed",
			slog.String("caller_id", callerID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("listing executions failed")
	}
	return c.OK(list)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		callerID, ok := g.auth.CallerForKey(strings.TrimPrefix(authHeader, "Bearer "))
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", callerID)
		return next(c)
	}
}

// allow applies the per-caller rate limit.
func (g *Gateway) allow(callerID string) bool {
	if g.limiter == nil {
		return true
	}
	if err := g.limiter.Allow(callerID); err != nil {
		g.config.Metrics.RecordRateLimited()
		return false
	}
	return true
}
