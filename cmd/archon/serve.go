package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/archon-go/plugin"
	"github.com/dshills/archon-go/server"
)

func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := a.Close(shutdownCtx); err != nil {
					a.logger.Warn("Shutdown incomplete", zap.Error(err))
				}
			}()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overriding server.addr")
	return cmd
}

// serve runs the HTTP server, the session janitor and the plugin watcher
// until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	srv := server.New(a.sessions,
		server.WithPlugins(a.plugins, a.cfg.Plugins.Dir),
		server.WithGatherer(a.registry),
		server.WithLogger(a.logger),
		server.WithRequestTimeout(a.cfg.Server.RequestTimeout),
		server.WithRateLimit(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst),
	)

	var watcher *plugin.Watcher
	if a.cfg.Plugins.Watch {
		w, err := plugin.NewWatcher(a.plugins, a.cfg.Plugins.Dir, a.cfg.Plugins.Debounce, a.logger)
		if err != nil {
			return err
		}
		watcher = w
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, server.HTTPConfig{
			Addr:            a.cfg.Server.Addr,
			ReadTimeout:     a.cfg.Server.ReadTimeout,
			WriteTimeout:    a.cfg.Server.WriteTimeout,
			ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		})
	})
	g.Go(func() error {
		return ignoreCancel(a.sessions.Janitor(ctx))
	})
	if watcher != nil {
		g.Go(func() error {
			return ignoreCancel(watcher.Run(ctx))
		})
	}
	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
