// Package config handles loading and validating termrelay configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for termrelay.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.termrelay/data. Override: TERMRELAY_DATA_DIR env var.
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Plugins       PluginsConfig        `json:"plugins" yaml:"plugins"`
	Reducer       ReducerConfig        `json:"reducer" yaml:"reducer"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under data_dir
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ProvidersConfig configures the LLM backends. Fallback entries are
// OpenAI-compatible endpoints tried in order when the primary refuses to
// open a stream.
type ProvidersConfig struct {
	OpenAI   OpenAIConfig   `json:"openai" yaml:"openai"`
	Fallback []OpenAIConfig `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

type OpenAIConfig struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"` // Provider label in logs and metrics. Default: "openai".
	APIKey       string `json:"api_key" yaml:"api_key"`
	BaseURL      string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com/v1.
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
	Model        string `json:"model" yaml:"model"`                 // Default: "gpt-4o-mini".
	PremiumModel string `json:"premium_model" yaml:"premium_model"` // Used for privileged callers. Default: "gpt-4o".
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"`       // Default: 2048.
}

// BaseModel returns the model used for regular callers.
func (o *OpenAIConfig) BaseModel() string {
	if o.Model != "" {
		return o.Model
	}
	return "gpt-4o-mini"
}

// Premium returns the model used for privileged callers.
func (o *OpenAIConfig) Premium() string {
	if o.PremiumModel != "" {
		return o.PremiumModel
	}
	return "gpt-4o"
}

// MaxOutputTokens returns the completion cap with a default of 2048.
func (o *OpenAIConfig) MaxOutputTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return 2048
}

// OrchestratorConfig configures the tool-call loop.
type OrchestratorConfig struct {
	MaxSteps       int               `json:"max_steps" yaml:"max_steps"`             // Default: 2.
	SanitizerWords map[string]string `json:"sanitizer_words" yaml:"sanitizer_words"` // Whole-word replacements applied to the latest user message.
}

// Steps returns the model step bound with a default of 2.
func (o *OrchestratorConfig) Steps() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return 2
}

// PluginsConfig selects sandbox templates and prompt overrides.
type PluginsConfig struct {
	FreeTemplate string            `json:"free_template" yaml:"free_template"` // Default: "free-terminal-plugins-v1".
	ProTemplate  string            `json:"pro_template" yaml:"pro_template"`   // Default: "pro-terminal-plugins-v1".
	Prompts      map[string]string `json:"prompts" yaml:"prompts"`             // Plugin wire name → system prompt.
}

// ReducerConfig bounds tool output before it re-enters the model context.
type ReducerConfig struct {
	BudgetTokens int    `json:"budget_tokens" yaml:"budget_tokens"` // Default: 32000.
	HeadTokens   int    `json:"head_tokens" yaml:"head_tokens"`     // Default: 1000.
	Encoding     string `json:"encoding" yaml:"encoding"`           // Default: "cl100k_base".
}

type SandboxConfig struct {
	Type           string              `json:"type" yaml:"type"`                       // "docker" (default) or "process".
	TimeoutSeconds int                 `json:"timeout_seconds" yaml:"timeout_seconds"` // Hard lifetime. Default: 300.
	MaxMemoryMB    int                 `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUSeconds  int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // Process sandbox only.
	NetworkAllowed bool                `json:"network_allowed" yaml:"network_allowed"`
	BaseDir        string              `json:"base_dir,omitempty" yaml:"base_dir,omitempty"` // Process sandbox only. Default: os.TempDir().
	Docker         DockerSandboxConfig `json:"docker" yaml:"docker"`
	Janitor        JanitorConfig       `json:"janitor" yaml:"janitor"`
}

// Timeout returns the sandbox hard lifetime with a default of 5 minutes.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SandboxType returns the configured type, defaulting to "docker".
func (s *SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "docker"
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Images       map[string]string `json:"images" yaml:"images"`               // Template name → image.
	DefaultImage string            `json:"default_image" yaml:"default_image"` // Default: "termrelay-tools:latest".
	CPUCores     float64           `json:"cpu_cores" yaml:"cpu_cores"`         // Docker --cpus flag. 0 = 1.0.
	PIDsLimit    int               `json:"pids_limit" yaml:"pids_limit"`       // Docker --pids-limit flag. 0 = 256.
}

// JanitorConfig controls the periodic sweep of orphaned sandboxes.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: "*/5 * * * *".
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver          string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite          *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres        *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	MaxFilesPerUser int                    `json:"max_files_per_user" yaml:"max_files_per_user"` // Default: 100.
	RetentionDays   int                    `json:"retention_days" yaml:"retention_days"`         // Execution history kept. Default: 30.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// FileQuota returns the per-user file limit with a default of 100.
func (s *StorageConfig) FileQuota() int {
	if s != nil && s.MaxFilesPerUser > 0 {
		return s.MaxFilesPerUser
	}
	return 100
}

// Retention returns how long execution records are kept, default 30 days.
func (s *StorageConfig) Retention() time.Duration {
	days := 30
	if s != nil && s.RetentionDays > 0 {
		days = s.RetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/termrelay.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TERMRELAY_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool                    `json:"enabled" yaml:"enabled"`
	EnableDocs          bool                    `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string                  `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64                   `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string       `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → caller ID.
	PrivilegedUsers     []string                `json:"privileged_users" yaml:"privileged_users"`         // Caller IDs served by the premium model.
	RateLimit           RateLimitConfig         `json:"rate_limit" yaml:"rate_limit"`
	WebSocket           *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the streaming WebSocket endpoint.
type WebSocketGatewayConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	Path                string   `json:"path" yaml:"path"`                                   // Default: "/v1/chat/tools/ws".
	AllowedOrigins      []string `json:"allowed_origins" yaml:"allowed_origins"`             // Origin patterns accepted on upgrade.
	ReadTimeoutSeconds  int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`   // Wait for the request message. Default: 30.
	WriteTimeoutSeconds int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"` // Per-record write deadline. Default: 10.
}

// WSPath returns the WebSocket path with a default of "/v1/chat/tools/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/chat/tools/ws"
}

// ReadTimeout returns how long to wait for the request message.
func (w *WebSocketGatewayConfig) ReadTimeout() time.Duration {
	if w != nil && w.ReadTimeoutSeconds > 0 {
		return time.Duration(w.ReadTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// WriteTimeout returns the per-record write deadline.
func (w *WebSocketGatewayConfig) WriteTimeout() time.Duration {
	if w != nil && w.WriteTimeoutSeconds > 0 {
		return time.Duration(w.WriteTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// RateLimitConfig configures per-caller rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "termrelay"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.termrelay/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/termrelay.yaml"
	}
	return filepath.Join(home, ".termrelay", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over values from the file.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes config bytes in the format implied by ext, applies
// environment overrides and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Providers.OpenAI.BaseURL = v
	}
	if v := os.Getenv("TERMRELAY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TERMRELAY_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".termrelay", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "termrelay.db")
}

// IsPrivileged reports whether callerID is served by the premium model.
func (c *Config) IsPrivileged(callerID string) bool {
	if c.Gateways.HTTP == nil {
		return false
	}
	for _, id := range c.Gateways.HTTP.PrivilegedUsers {
		if id == callerID {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	if c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
	}
	for i, fb := range c.Providers.Fallback {
		if fb.BaseURL == "" {
			return fmt.Errorf("providers.fallback[%d].base_url is required", i)
		}
	}
	if c.Orchestrator.MaxSteps < 0 {
		return fmt.Errorf("orchestrator.max_steps must not be negative")
	}
	if c.Reducer.BudgetTokens < 0 || c.Reducer.HeadTokens < 0 {
		return fmt.Errorf("reducer token counts must not be negative")
	}
	if c.Reducer.BudgetTokens > 0 && c.Reducer.HeadTokens > c.Reducer.BudgetTokens {
		return fmt.Errorf("reducer.head_tokens (%d) exceeds reducer.budget_tokens (%d)", c.Reducer.HeadTokens, c.Reducer.BudgetTokens)
	}
	switch c.Sandbox.SandboxType() {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use docker or process)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set TERMRELAY_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if h := c.Gateways.HTTP; h != nil && h.Enabled && len(h.APIKeyUserMapping) == 0 {
		return fmt.Errorf("gateways.http.api_key_user_mapping must contain at least one key")
	}
	return nil
}
