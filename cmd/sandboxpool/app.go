package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/config"
	"github.com/isdmx/sandboxpool/logger"
	"github.com/isdmx/sandboxpool/pool"
	"github.com/isdmx/sandboxpool/sandbox"
)

// poolModule wires a sandbox pool from the loaded configuration. Stopping
// the app disposes every sandbox the pool created.
func poolModule() fx.Option {
	return fx.Options(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			sandbox.NewFactory,
			sandbox.NewInputFiles,
			sandbox.NewTestFramework,
			newRegistry,
			newMetrics,
			newPool,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *pool.Metrics {
	return pool.NewMetrics(reg)
}

func newPool(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	framework *sandbox.TestFramework,
	files []sandbox.InputFile,
	factory sandbox.Factory,
	metrics *pool.Metrics,
) *pool.Pool {
	p := pool.New(log, cfg, framework, files, factory, pool.WithMetrics(metrics))
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return p.DisposeAll(ctx)
		},
	})
	return p
}

// runPool starts a pool app, hands the pool to fn and stops the app, which
// disposes the sandboxes fn left behind.
func runPool(ctx context.Context, fn func(context.Context, *zap.Logger, *pool.Pool) error) (err error) {
	var (
		log *zap.Logger
		p   *pool.Pool
	)
	app := fx.New(poolModule(), fx.Populate(&log, &p))
	if err := app.Err(); err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.StopTimeout())
		defer cancel()
		err = multierr.Append(err, app.Stop(stopCtx))
	}()

	return fn(ctx, log, p)
}
