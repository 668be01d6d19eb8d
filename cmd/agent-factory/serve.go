package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/agent-factory/internal/api"
	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/locks"
	"github.com/anthropics/agent-factory/internal/metrics"
	"github.com/anthropics/agent-factory/internal/queue"
	"github.com/anthropics/agent-factory/internal/ratelimit"
	"github.com/anthropics/agent-factory/internal/sandbox"
	"github.com/anthropics/agent-factory/internal/store"
	"github.com/anthropics/agent-factory/internal/supervisor"
	"github.com/anthropics/agent-factory/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: `Run the orchestrator: the control API, the supervisory loop, and the
config watcher, until SIGINT or SIGTERM.

Example:
  agent-factory serve --config config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, cfg.Retry, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	rdb, err := ratelimit.NewRedis(ctx, cfg.Redis, cfg.Retry, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	runtime, err := sandbox.NewDocker(cfg.Sandbox, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	limiter := ratelimit.New(st, rdb, cfg.Redis, cfg.Limits, logger)
	lockSvc := locks.NewService(st, logger)
	qm := queue.NewManager(st, logger)
	wm := worker.NewManager(st, qm, lockSvc, limiter, runtime, cfg, logger)

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(registry)
	aggregator := metrics.NewAggregator(st, limiter)
	registry.MustRegister(metrics.NewExporter(aggregator, logger))

	sup := supervisor.New(qm, wm, cfg.Supervisor, collectors, logger)
	server := api.New(qm, wm, limiter, aggregator, collectors, registry, cfg.Server, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return sup.Run(ctx) })
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, logger, func(next *config.Config) {
				limiter.SetLimits(next.Limits)
				sup.SetInterval(next.Supervisor.LoopInterval)
			})
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("factory stopped")
	return nil
}
