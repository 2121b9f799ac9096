package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "plugins", cfg.Plugins.Dir)
	assert.Equal(t, "default", cfg.Sessions.DefaultID)
	assert.Zero(t, cfg.Sessions.IdleTTL, "idle eviction is off by default")

	cfg.LLM.Provider = "mock"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:9000"
  request_timeout: 2m
workflow:
  step_timeout: 20s
llm:
  provider: anthropic
  api_key: sk-test
  models:
    primary: claude-3-5-haiku-latest
store:
  backend: sqlite
  path: /tmp/archon.db
sessions:
  idle_ttl: 30m
log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Server.RequestTimeout)
	assert.Equal(t, 20*time.Second, cfg.Workflow.StepTimeout)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.LLM.Models.Primary)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTTL)
	assert.Equal(t, "console", cfg.Log.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, "plugins", cfg.Plugins.Dir)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithLookupEnv(envMap(map[string]string{"ARCHON_LLM_PROVIDER": "mock"})).
		Load()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Server.Addr)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: mock\n  temperature: 0.2\n")
	_, err := NewLoader().WithConfigPath(path).WithLookupEnv(envMap(nil)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "llm:\n  provider: openai\n  api_key: from-file\n")
	env := envMap(map[string]string{
		"ARCHON_LLM_API_KEY":           "from-env",
		"ARCHON_LLM_MODELS_TOOL_GEN":   "gpt-4o",
		"ARCHON_STORE_BACKEND":         "redis",
		"ARCHON_STORE_ADDR":            "localhost:6379",
		"ARCHON_PLUGINS_WATCH":         "true",
		"ARCHON_SESSIONS_IDLE_TTL":     "1h",
		"ARCHON_RATE_LIMIT_RPS":        "2.5",
		"ARCHON_WORKFLOW_MAX_STEPS":    "50",
		"ARCHON_TELEMETRY_SAMPLE_RATE": "0.5",
	})

	cfg, err := NewLoader().WithConfigPath(path).WithLookupEnv(env).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4o", cfg.LLM.Models.ToolGen)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, time.Hour, cfg.Sessions.IdleTTL)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.Equal(t, 50, cfg.Workflow.MaxSteps)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

func TestLegacyEnv(t *testing.T) {
	env := envMap(map[string]string{
		"LLM_API_KEY":                  "legacy-key",
		"BASE_URL":                     "http://localhost:11434/v1",
		"REASONER_MODEL":               "o3-mini",
		"PRIMARY_MODEL":                "gpt-4o-mini",
		"DIAGNOSTIC_MODEL":             "legacy-diag",
		"ARCHON_LLM_MODELS_DIAGNOSTIC": "prefixed-diag",
	})

	cfg, err := NewLoader().WithLookupEnv(env).Load()
	require.NoError(t, err)

	assert.Equal(t, "legacy-key", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "o3-mini", cfg.LLM.Models.Reasoner)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Models.Primary)
	assert.Equal(t, "prefixed-diag", cfg.LLM.Models.Diagnostic, "the prefixed variable wins")
}

func TestEnvParseError(t *testing.T) {
	env := envMap(map[string]string{"ARCHON_SESSIONS_IDLE_TTL": "soon"})
	_, err := NewLoader().WithLookupEnv(env).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHON_SESSIONS_IDLE_TTL")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.LLM.Provider = "mock"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad addr", func(c *Config) { c.Server.Addr = "8000" }, "server.addr"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "cohere" }, "llm.provider"},
		{"openai without key", func(c *Config) { c.LLM.Provider = "openai" }, "llm.api_key"},
		{"openai with base url", func(c *Config) {
			c.LLM.Provider = "openai"
			c.LLM.BaseURL = "http://localhost:8080/v1"
		}, ""},
		{"anthropic without key", func(c *Config) { c.LLM.Provider = "anthropic" }, "provider anthropic"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"mysql without dsn", func(c *Config) { c.Store.Backend = "mysql" }, "store.dsn"},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = "redis"
			c.Store.Addr = ""
		}, "store.addr"},
		{"negative step timeout", func(c *Config) { c.Workflow.StepTimeout = -time.Second }, "workflow.step_timeout"},
		{"request timeout below step budget", func(c *Config) {
			c.Server.RequestTimeout = 4 * time.Minute
		}, "server.request_timeout"},
		{"retry delays count toward the budget", func(c *Config) {
			c.Workflow.RetryDelay = time.Second
		}, "server.request_timeout"},
		{"unbounded steps", func(c *Config) {
			c.Server.RequestTimeout = time.Second
			c.Workflow.StepTimeout = 0
		}, ""},
		{"unbounded requests", func(c *Config) { c.Server.RequestTimeout = 0 }, ""},
		{"negative ttl", func(c *Config) { c.Sessions.IdleTTL = -time.Second }, "sessions.idle_ttl"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.OTLPEndpoint = ""
		}, "telemetry.otlp_endpoint"},
		{"burst too small", func(c *Config) { c.RateLimit.Burst = 0 }, "rate_limit.burst"},
		{"rate limit disabled", func(c *Config) {
			c.RateLimit.RPS = 0
			c.RateLimit.Burst = 0
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequestBudget(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Minute, cfg.Workflow.RequestBudget())
	assert.GreaterOrEqual(t, cfg.Server.RequestTimeout, cfg.Workflow.RequestBudget(),
		"the default request timeout covers the default step budget")

	w := WorkflowConfig{StepTimeout: 10 * time.Second, RetryDelay: time.Second}
	assert.Equal(t, 83*time.Second, w.RequestBudget())
	assert.Zero(t, WorkflowConfig{RetryDelay: time.Second}.RequestBudget())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "nope"
	cfg.Store.Backend = "nope"
	cfg.Log.Level = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.provider")
	assert.Contains(t, err.Error(), "store.backend")
	assert.Contains(t, err.Error(), "log.level")
}

func TestCustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithLookupEnv(envMap(map[string]string{"ARCHON_LLM_PROVIDER": "mock"})).
		WithValidator(func(c *Config) error {
			if c.Plugins.Watch {
				return nil
			}
			return assert.AnError
		}).
		Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoadUnvalidated(t *testing.T) {
	cfg, err := NewLoader().WithLookupEnv(envMap(nil)).LoadUnvalidated()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate(), "the default openai provider needs a key")
}
