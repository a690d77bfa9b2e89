package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/config"
	"github.com/isdmx/sandboxpool/mcpserver"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the sandbox pool over MCP",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := fx.New(
				poolModule(),
				fx.Provide(mcpserver.New),
				fx.Invoke(startMetricsServer, startTransport),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

// startTransport serves MCP on the configured transport and shuts the app
// down if the transport stops with an error.
func startTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, log *zap.Logger, server *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := server.Serve(); err != nil {
					log.Error("MCP transport stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
	})
}

func startMetricsServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr), zap.String("path", cfg.Metrics.Path))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
