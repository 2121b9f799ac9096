package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dshills/archon-go/agent"
	"github.com/dshills/archon-go/config"
	"github.com/dshills/archon-go/graph"
	"github.com/dshills/archon-go/graph/emit"
	"github.com/dshills/archon-go/graph/model"
	"github.com/dshills/archon-go/graph/model/anthropic"
	"github.com/dshills/archon-go/graph/model/google"
	"github.com/dshills/archon-go/graph/model/openai"
	"github.com/dshills/archon-go/graph/store"
	"github.com/dshills/archon-go/internal/telemetry"
	"github.com/dshills/archon-go/plugin"
)

// app holds everything built from one Config.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Provider
	registry  *prometheus.Registry
	metrics   *graph.PrometheusMetrics
	plugins   *plugin.Registry
	sessions  *agent.Sessions

	closers []io.Closer
}

func loadConfig(path string) (*config.Config, error) {
	return config.NewLoader().WithConfigPath(path).Load()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := telemetry.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = graph.NewPrometheusMetrics(a.registry)

	a.plugins = plugin.NewRegistry(logger)
	if err := os.MkdirAll(cfg.Plugins.Dir, 0o755); err != nil {
		return nil, a.fail(fmt.Errorf("create plugin dir: %w", err))
	}
	if err := a.plugins.Reload(cfg.Plugins.Dir); err != nil {
		logger.Warn("Starting with built-in tools only", zap.Error(err))
	}

	models, err := buildModels(cfg.LLM)
	if err != nil {
		return nil, a.fail(err)
	}

	st, closer, err := openStore(cfg.Store)
	if err != nil {
		return nil, a.fail(err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	emitters := []emit.Emitter{emit.NewZapEmitter(logger)}
	if a.telemetry.Enabled() {
		emitters = append(emitters, emit.NewOTelEmitter(a.telemetry.Tracer()))
	}

	engine, err := agent.NewWorkflow(agent.Deps{
		Models:      models,
		Plugins:     a.plugins,
		PluginDir:   cfg.Plugins.Dir,
		Store:       st,
		Emitter:     emit.Multi(emitters...),
		Metrics:     a.metrics,
		Logger:      logger,
		MaxSteps:    cfg.Workflow.MaxSteps,
		RetryDelay:  cfg.Workflow.RetryDelay,
		StepTimeout: cfg.Workflow.StepTimeout,
	})
	if err != nil {
		return nil, a.fail(err)
	}

	a.sessions = agent.NewSessions(engine,
		agent.WithIdleTTL(cfg.Sessions.IdleTTL),
		agent.WithDefaultID(cfg.Sessions.DefaultID),
		agent.WithSessionMetrics(a.metrics),
		agent.WithSessionLogger(logger),
	)

	logger.Info("Archon ready",
		zap.String("version", Version),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("store", cfg.Store.Backend),
		zap.Int("plugins", a.plugins.Len()),
	)
	return a, nil
}

func (a *app) fail(err error) error {
	return errors.Join(err, a.Close(context.Background()))
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// buildModels creates one chat model per role.
func buildModels(cfg config.LLMConfig) (agent.Models, error) {
	newModel := func(name string) (model.ChatModel, error) {
		switch cfg.Provider {
		case "openai":
			opts := []openai.Option{openai.WithRetry(cfg.MaxRetries, cfg.RetryDelay)}
			if cfg.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
			}
			return openai.NewChatModel(cfg.APIKey, name, opts...), nil
		case "anthropic":
			return anthropic.NewChatModel(cfg.APIKey, name), nil
		case "google":
			return google.NewChatModel(cfg.APIKey, name), nil
		case "mock":
			return model.NewEchoModel(), nil
		default:
			return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
		}
	}

	var (
		m    agent.Models
		errs []error
	)
	for _, role := range []struct {
		name string
		dst  *model.ChatModel
	}{
		{cfg.Models.Reasoner, &m.Reasoner},
		{cfg.Models.Primary, &m.Primary},
		{cfg.Models.Diagnostic, &m.Diagnostic},
		{cfg.Models.ToolGen, &m.ToolGen},
	} {
		cm, err := newModel(role.name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*role.dst = cm
	}
	if err := errors.Join(errs...); err != nil {
		return agent.Models{}, err
	}
	return m, nil
}

// openStore opens the configured checkpoint backend. The returned closer is
// nil for the memory store.
func openStore(cfg config.StoreConfig) (store.Store[agent.State], io.Closer, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemStore[agent.State](), nil, nil
	case "sqlite":
		st, err := store.NewSQLiteStore[agent.State](cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, st, nil
	case "mysql":
		st, err := store.NewMySQLStore[agent.State](cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return st, st, nil
	case "redis":
		st, err := store.OpenRedisStore[agent.State](store.RedisOptions{
			Addr:      cfg.Addr,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
