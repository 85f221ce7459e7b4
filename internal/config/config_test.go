package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "TERMRELAY_DATA_DIR", "TERMRELAY_DB_DSN"} {
		t.Setenv(k, "")
	}
}

const sampleYAML = `
providers:
  openai:
    api_key: sk-test
    model: gpt-4o-mini
  fallback:
    - name: openrouter
      api_key: or-key
      base_url: https://openrouter.ai/api/v1
orchestrator:
  max_steps: 3
  sanitizer_words:
    exploit: assess
plugins:
  prompts:
    SSL_SCANNER: custom prompt
reducer:
  budget_tokens: 8000
  head_tokens: 500
sandbox:
  type: process
  timeout_seconds: 120
  janitor:
    enabled: true
storage:
  driver: sqlite
  max_files_per_user: 10
gateways:
  http:
    enabled: true
    listen_addr: ":9090"
    api_key_user_mapping:
      key-1: alice
    privileged_users: [alice]
    websocket:
      enabled: true
`

func TestParse_YAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(sampleYAML), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" || len(cfg.Providers.Fallback) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Orchestrator.Steps() != 3 {
		t.Errorf("steps = %d", cfg.Orchestrator.Steps())
	}
	if cfg.Sandbox.SandboxType() != "process" || cfg.Sandbox.Timeout() != 2*time.Minute {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Storage.FileQuota() != 10 {
		t.Errorf("quota = %d", cfg.Storage.FileQuota())
	}
	if cfg.Gateways.HTTP.Addr() != ":9090" || !cfg.IsPrivileged("alice") || cfg.IsPrivileged("bob") {
		t.Errorf("http = %+v", cfg.Gateways.HTTP)
	}
	if cfg.Gateways.HTTP.WebSocket.WSPath() != "/v1/chat/tools/ws" {
		t.Errorf("ws path = %q", cfg.Gateways.HTTP.WebSocket.WSPath())
	}
	if cfg.Plugins.Prompts["SSL_SCANNER"] != "custom prompt" {
		t.Errorf("prompts = %v", cfg.Plugins.Prompts)
	}
}

func TestParse_JSONDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(`{"providers":{"openai":{"api_key":"sk-test"}}}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	oa := cfg.Providers.OpenAI
	if oa.BaseModel() != "gpt-4o-mini" || oa.Premium() != "gpt-4o" || oa.MaxOutputTokens() != 2048 {
		t.Errorf("openai defaults = %s/%s/%d", oa.BaseModel(), oa.Premium(), oa.MaxOutputTokens())
	}
	if cfg.Orchestrator.Steps() != 2 {
		t.Errorf("steps = %d", cfg.Orchestrator.Steps())
	}
	if cfg.Sandbox.SandboxType() != "docker" || cfg.Sandbox.Timeout() != 5*time.Minute {
		t.Errorf("sandbox defaults = %s/%s", cfg.Sandbox.SandboxType(), cfg.Sandbox.Timeout())
	}
	if cfg.Storage.StorageDriver() != "sqlite" || cfg.Storage.FileQuota() != 100 || cfg.Storage.Retention() != 30*24*time.Hour {
		t.Errorf("storage defaults wrong")
	}
	if cfg.Gateways.HTTP.Addr() != ":8080" {
		t.Errorf("addr = %q", cfg.Gateways.HTTP.Addr())
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("TERMRELAY_DB_DSN", "postgres://u:p@localhost/termrelay")

	cfg, err := Parse([]byte(`{}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-env" {
		t.Errorf("api key = %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Storage.StorageDriver() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestParse_Invalid(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"missing api key":      `{}`,
		"bad sandbox type":     `{"providers":{"openai":{"api_key":"k"}},"sandbox":{"type":"vm"}}`,
		"head over budget":     `{"providers":{"openai":{"api_key":"k"}},"reducer":{"budget_tokens":10,"head_tokens":20}}`,
		"postgres without dsn": `{"providers":{"openai":{"api_key":"k"}},"storage":{"driver":"postgres"}}`,
		"http without keys":    `{"providers":{"openai":{"api_key":"k"}},"gateways":{"http":{"enabled":true}}}`,
		"fallback without url": `{"providers":{"openai":{"api_key":"k"},"fallback":[{"api_key":"x"}]}}`,
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data), ".json"); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad_ResolvesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "termrelay.yml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.Steps() != 3 {
		t.Errorf("steps = %d", cfg.Orchestrator.Steps())
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config") {
		t.Errorf("missing file error = %v", err)
	}
}
