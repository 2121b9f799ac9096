// Package config loads archon settings from a YAML file and ARCHON_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Plugins   PluginsConfig   `yaml:"plugins" env:"PLUGINS"`
	Sessions  SessionsConfig  `yaml:"sessions" env:"SESSIONS"`
	Workflow  WorkflowConfig  `yaml:"workflow" env:"WORKFLOW"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// RequestTimeout bounds one start or resume call, model calls included.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// LLMConfig selects the model provider and the model used for each role.
type LLMConfig struct {
	// Provider is one of openai, anthropic, google or mock.
	Provider string `yaml:"provider" env:"PROVIDER"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`

	// BaseURL points the openai provider at any compatible server.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`

	Models ModelsConfig `yaml:"models" env:"MODELS"`
}

// ModelsConfig names the model per role. Empty names use the provider's
// default model.
type ModelsConfig struct {
	Reasoner   string `yaml:"reasoner" env:"REASONER"`
	Primary    string `yaml:"primary" env:"PRIMARY"`
	Diagnostic string `yaml:"diagnostic" env:"DIAGNOSTIC"`
	ToolGen    string `yaml:"tool_gen" env:"TOOL_GEN"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, mysql or redis.
	Backend string `yaml:"backend" env:"BACKEND"`

	// Path is the sqlite database file.
	Path string `yaml:"path" env:"PATH"`

	// DSN is the mysql data source name.
	DSN string `yaml:"dsn" env:"DSN"`

	// Redis settings.
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// PluginsConfig configures plugin discovery.
type PluginsConfig struct {
	Dir      string        `yaml:"dir" env:"DIR"`
	Watch    bool          `yaml:"watch" env:"WATCH"`
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// SessionsConfig configures the session map.
type SessionsConfig struct {
	// IdleTTL evicts sessions unused for this long. Zero disables eviction.
	IdleTTL time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`

	// DefaultID is used when a request names no session.
	DefaultID string `yaml:"default_id" env:"DEFAULT_ID"`
}

// WorkflowConfig tunes graph execution.
type WorkflowConfig struct {
	MaxSteps   int           `yaml:"max_steps" env:"MAX_STEPS"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`

	// StepTimeout bounds one attempt of one step. Zero means no bound.
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
}

// A single start or resume call makes at most this many step attempts:
// two each for scope and code, then one diagnosis.
const (
	maxAttemptsPerRequest = 5
	maxRetriesPerRequest  = 3
)

// RequestBudget is the longest a single start or resume traversal can take
// when every attempt runs into StepTimeout and every retry waits the full
// backoff. It is zero when StepTimeout is zero.
func (w WorkflowConfig) RequestBudget() time.Duration {
	if w.StepTimeout <= 0 {
		return 0
	}
	// A backoff wait is capped at ten times RetryDelay plus up to one
	// RetryDelay of jitter.
	return maxAttemptsPerRequest*w.StepTimeout + maxRetriesPerRequest*11*w.RetryDelay
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// RateLimitConfig limits requests per client IP. A zero RPS disables the
// limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"RPS"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  5 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:   "openai",
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Store: StoreConfig{
			Backend:   "memory",
			Path:      "archon.db",
			KeyPrefix: "archon:",
		},
		Plugins: PluginsConfig{
			Dir:      "plugins",
			Debounce: 250 * time.Millisecond,
		},
		Sessions: SessionsConfig{
			DefaultID: "default",
		},
		Workflow: WorkflowConfig{
			MaxSteps:    100,
			StepTimeout: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			ServiceName:  "archon",
			SampleRate:   1.0,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
	}
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr %q: %w", c.Server.Addr, err))
	}
	if c.Server.RequestTimeout < 0 {
		errs = append(errs, errors.New("server.request_timeout must not be negative"))
	}

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
			errs = append(errs, errors.New("llm.api_key is required for provider openai unless llm.base_url is set"))
		}
	case "anthropic", "google":
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q must be openai, anthropic, google or mock", c.LLM.Provider))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite backend"))
		}
	case "mysql":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the mysql backend"))
		}
	case "redis":
		if c.Store.Addr == "" {
			errs = append(errs, errors.New("store.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be memory, sqlite, mysql or redis", c.Store.Backend))
	}

	if c.Plugins.Dir == "" {
		errs = append(errs, errors.New("plugins.dir is required"))
	}
	if c.Sessions.IdleTTL < 0 {
		errs = append(errs, errors.New("sessions.idle_ttl must not be negative"))
	}
	if c.Sessions.DefaultID == "" {
		errs = append(errs, errors.New("sessions.default_id is required"))
	}
	if c.Workflow.MaxSteps < 0 {
		errs = append(errs, errors.New("workflow.max_steps must not be negative"))
	}
	if c.Workflow.RetryDelay < 0 {
		errs = append(errs, errors.New("workflow.retry_delay must not be negative"))
	}
	if c.Workflow.StepTimeout < 0 {
		errs = append(errs, errors.New("workflow.step_timeout must not be negative"))
	}
	if budget := c.Workflow.RequestBudget(); budget > 0 && c.Server.RequestTimeout > 0 && c.Server.RequestTimeout < budget {
		errs = append(errs, fmt.Errorf("server.request_timeout %v is shorter than the %v a request may spend in workflow steps (workflow.step_timeout %v)",
			c.Server.RequestTimeout, budget, c.Workflow.StepTimeout))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when telemetry is enabled"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1 when rate limiting is enabled"))
	}

	return errors.Join(errs...)
}
