// Package server exposes conversation sessions over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/archon-go/agent"
	"github.com/dshills/archon-go/plugin"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Plugins is the tool registry as seen by clients.
type Plugins interface {
	List() []plugin.Info
	Reload(dir string) error
	Run(ctx context.Context, name string, input map[string]interface{}) (map[string]interface{}, error)
}

// Server routes requests to sessions.
type Server struct {
	sessions *agent.Sessions
	plugins   Plugins
	pluginDir string
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	requestTimeout time.Duration
	rps            float64
	burst          int

	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithPlugins enables GET /plugins, POST /plugins/reload, which reloads p
// from dir, and POST /plugins/{name}/run.
func WithPlugins(p Plugins, dir string) Option {
	return func(s *Server) {
		s.plugins = p
		s.pluginDir = dir
	}
}

// WithGatherer serves g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRequestTimeout bounds each start or resume traversal. Zero means no
// bound beyond the traversal's own step limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithRateLimit allows rps requests per second per client IP with the given
// burst. A zero rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

// New creates a server over sessions.
func New(sessions *agent.Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		logger:    zap.NewNop(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied. ctx bounds
// background work such as rate limiter cleanup.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /start_flow", s.handleStartFlow)
	mux.HandleFunc("POST /resume_flow", s.handleResumeFlow)
	mux.HandleFunc("POST /reset_session", s.handleResetSession)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.plugins != nil {
		mux.HandleFunc("GET /plugins", s.handlePlugins)
		mux.HandleFunc("POST /plugins/reload", s.handleReloadPlugins)
		mux.HandleFunc("POST /plugins/{name}/run", s.handleRunTool)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	middlewares := []Middleware{Recovery(s.logger), RequestLogger(s.logger)}
	if s.rps > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, s.rps, s.burst, s.logger))
	}
	return Chain(mux, middlewares...)
}

// HTTPConfig holds listener settings for ListenAndServe.
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, cfg HTTPConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return s.Serve(ctx, ln, cfg)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg HTTPConfig) error {
	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
