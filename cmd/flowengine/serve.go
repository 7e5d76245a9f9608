package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/metrics"
	"github.com/songzhibin97/automation-engine/scheduler"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/workflow"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(root *rootCommand) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		Long: `Open the configured storage, register the given workflow files with
their schedules, and fire due schedules until SIGINT or SIGTERM.

Prometheus metrics are served on metrics.addr when metrics.enabled is set.`,
		Example: `  flowengine serve --config flowengine.yaml --workflow digest.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, files)
		},
	}

	cmd.Flags().StringSliceVarP(&files, "workflow", "w", nil, "Workflow file to register (repeatable)")
	return cmd
}

func runServe(ctx context.Context, root *rootCommand, files []string) error {
	cfg, logger := root.cfg, root.logger

	store, closeStore, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	bus := events.NewEventBus(events.WithLogger(logger.Named("events")), events.WithBufferSize(1024))
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.NewCollector(reg).Subscribe(bus)

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Store:       store,
		Registry:    root.registry(),
		EventBus:    bus,
		Logger:      logger,
		NodeTimeout: cfg.Engine.NodeTimeout,
		RunTimeout:  cfg.Engine.RunTimeout,
		RunnerOpts:  []workflow.RunnerOption{workflow.WithWorkers(cfg.Engine.Workers)},
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(store, engine,
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithEventBus(bus),
		scheduler.WithInterval(cfg.Scheduler.Interval),
		scheduler.WithCleanupSpec(cfg.Scheduler.CleanupSpec),
		scheduler.WithRetention(cfg.Scheduler.Retention),
		scheduler.WithMaxFailures(cfg.Scheduler.MaxFailures),
	)

	if err := startScheduler(ctx, engine, sched, files); err != nil {
		_ = engine.Stop(context.WithoutCancel(ctx))
		return err
	}

	errCh := make(chan error, 1)
	var server *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		serveErr = fmt.Errorf("metrics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	sched.Stop()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warn("engine shutdown failed", "error", err)
	}
	return serveErr
}

func startScheduler(ctx context.Context, engine *workflow.Engine, sched *scheduler.Scheduler, files []string) error {
	for _, path := range files {
		if err := registerWorkflowFile(ctx, engine, sched, path); err != nil {
			return err
		}
	}
	return sched.Start()
}

func registerWorkflowFile(ctx context.Context, engine *workflow.Engine, sched *scheduler.Scheduler, path string) error {
	doc, err := readWorkflow(path)
	if err != nil {
		return err
	}
	wf, err := engine.RegisterWorkflow(ctx, doc.Workflow)
	if err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	for _, s := range doc.Schedules {
		s.WorkflowID = wf.ID
		if _, err := sched.AddSchedule(ctx, s); err != nil {
			return fmt.Errorf("schedule %q of %s: %w", s.Name, path, err)
		}
	}
	return nil
}
