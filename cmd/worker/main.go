package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"go.uber.org/zap"

	"query-orchestrator/internal/app"
	"query-orchestrator/internal/config"
	"query-orchestrator/internal/logger"
	"query-orchestrator/internal/telemetry"
	"query-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	runner := worker.NewRunner(log)
	runner.Every("token_sweep", cfg.TokenSweepInterval, func(ctx context.Context) error {
		_, err := a.Credentials.Sweep(ctx)
		return err
	})
	runner.Every("poll", cfg.PollInterval, a.Poller.Tick)
	runner.Every("schedule", cfg.ScheduleInterval, a.Dispatcher.Tick)
	runner.Every("backfill", cfg.BackfillInterval, a.Backfills.Tick)
	runner.Every("sync_reconcile", cfg.SyncReconcileInterval, func(ctx context.Context) error {
		_, err := a.Pipeline.Reconcile(ctx)
		return err
	})
	for i := 0; i < cfg.SyncWorkers; i++ {
		id := fmt.Sprintf("%s-sync-%d", workerID, i)
		proc := worker.NewProcessor(worker.ProcessorConfig{PollInterval: cfg.SyncPollInterval}, a.SyncQueue, a.Pipeline.Sync, id, log)
		runner.Loop(id, proc.Run)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("sync_workers", cfg.SyncWorkers),
		zap.Duration("poll_interval", cfg.PollInterval),
	)
	if err := runner.Run(ctx); err != nil {
		log.Error("worker stopped", zap.Error(err))
	}
}
