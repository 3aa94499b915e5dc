package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"query-orchestrator/internal/queue"
	"query-orchestrator/internal/telemetry"
)

// Handler processes one queued task.
type Handler func(ctx context.Context, id string) error

type ProcessorConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxFailures is how many handler errors a task may produce before it is
	// dead-lettered.
	MaxFailures int
}

// Processor drains a task queue with a single handler.
type Processor struct {
	cfg      ProcessorConfig
	queue    *queue.RedisQueue
	handler  Handler
	workerID string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProcessor creates a processor; workerID tags its log lines.
func NewProcessor(cfg ProcessorConfig, q *queue.RedisQueue, handler Handler, workerID string, logger *zap.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handler:  handler,
		workerID: workerID,
		logger:   logger.Named("processor").With(zap.String("worker_id", workerID)),
		now:      time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := p.step(ctx)
		if err != nil {
			p.logger.Warn("queue unavailable", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// step performs queue housekeeping and handles at most one task. It reports
// whether a task was handled.
func (p *Processor) step(ctx context.Context) (bool, error) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.BatchSize)); err != nil {
		return false, err
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.BatchSize)); err == nil && len(reclaimed) > 0 {
		p.logger.Info("reclaimed expired leases", zap.Strings("ids", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.SyncQueueDepth.Set(float64(depth))
	}

	id, err := p.queue.DequeueWithLease(ctx)
	if err != nil || id == "" {
		return false, err
	}

	telemetry.SyncTasksInFlight.Inc()
	defer telemetry.SyncTasksInFlight.Dec()
	log := p.logger.With(zap.String("task_id", id))

	herr := p.handler(ctx, id)
	if herr == nil {
		if err := p.queue.Ack(ctx, id); err != nil {
			log.Warn("ack task", zap.Error(err))
		}
		return true, nil
	}

	failures, err := p.queue.RecordFailure(ctx, id)
	if err != nil {
		log.Warn("record task failure", zap.Error(err))
	}
	if failures >= p.cfg.MaxFailures {
		if err := p.queue.DLQPush(ctx, id); err != nil {
			log.Warn("dead-letter task", zap.Error(err))
		}
		telemetry.SyncDeadLetters.Inc()
		log.Error("task dead-lettered", zap.Int("failures", failures), zap.Error(herr))
		return true, nil
	}
	next := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures))
	if err := p.queue.Schedule(ctx, id, next); err != nil {
		log.Warn("reschedule task", zap.Error(err))
	}
	log.Warn("task failed, rescheduled", zap.Int("failures", failures), zap.Time("next_run", next), zap.Error(herr))
	return true, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
