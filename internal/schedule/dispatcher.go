// Package schedule fires recurring jobs when their cron schedule comes due.
package schedule

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"query-orchestrator/internal/models"
	"query-orchestrator/internal/telemetry"
)

type Store interface {
	ListDueScheduledJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error)
	CreateScheduledExecution(ctx context.Context, e models.Execution, since time.Time) (models.Execution, bool, error)
	RecordScheduledRun(ctx context.Context, id string, expectedNextFire time.Time, outcome models.RunOutcome) error
}

type Submitter interface {
	New(e models.Execution) models.Execution
	Submit(ctx context.Context, e models.Execution) (models.Execution, error)
}

// Limiter throttles fires per principal.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Dispatcher fires due scheduled jobs once per tick.
type Dispatcher struct {
	store       Store
	submitter   Submitter
	limiter     Limiter
	dedupWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewDispatcher builds a dispatcher. limiter may be nil.
func NewDispatcher(store Store, submitter Submitter, limiter Limiter, dedupWindow time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		submitter:   submitter,
		limiter:     limiter,
		dedupWindow: dedupWindow,
		logger:      logger.Named("dispatcher"),
		now:         time.Now,
	}
}

// Tick fires every active job whose next-fire time has passed.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now().UTC()
	due, err := d.store.ListDueScheduledJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	var g errgroup.Group
	for _, job := range due {
		job := job
		g.Go(func() error {
			d.fire(ctx, job, now)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) fire(ctx context.Context, job models.ScheduledJob, now time.Time) {
	log := d.logger.With(zap.String("schedule_id", job.ID), zap.String("principal_id", job.PrincipalID))

	next, err := NextFire(job.CronExpr, job.Timezone, now)
	if err != nil {
		log.Error("compute next fire", zap.Error(err))
		return
	}

	if d.limiter != nil {
		allowed, _, err := d.limiter.Allow(ctx, job.PrincipalID)
		switch {
		case err != nil:
			log.Warn("fire rate limiter unavailable, firing anyway", zap.Error(err))
		case !allowed:
			telemetry.RateLimitRejects.Inc()
			log.Info("fire deferred by rate limit")
			return
		}
	}

	jobID := job.ID
	e := d.submitter.New(models.Execution{
		PrincipalID:    job.PrincipalID,
		Origin:         models.OriginScheduled,
		ScheduledJobID: &jobID,
		Query:          job.Query,
		Parameters:     job.Parameters,
		Sync:           job.Sync,
		CreatedAt:      now,
	})
	created, ok, err := d.store.CreateScheduledExecution(ctx, e, now.Add(-d.dedupWindow))
	if err != nil {
		log.Error("create scheduled execution", zap.Error(err))
		return
	}
	outcome := models.RunOutcome{FiredAt: now, NextFireAt: next}
	if !ok {
		telemetry.ScheduleFires.WithLabelValues("deduplicated").Inc()
		log.Info("fire skipped, recent execution exists", zap.Duration("window", d.dedupWindow))
		d.record(ctx, log, job, outcome)
		return
	}
	telemetry.ExecutionsCreated.WithLabelValues(string(models.OriginScheduled)).Inc()

	outcome.Counted = true
	if _, err := d.submitter.Submit(ctx, created); err != nil {
		telemetry.ScheduleFires.WithLabelValues("failed").Inc()
		log.Warn("scheduled submission failed", zap.String("execution_id", created.ID), zap.Error(err))
	} else {
		outcome.Succeeded = true
		telemetry.ScheduleFires.WithLabelValues("submitted").Inc()
	}
	d.record(ctx, log, job, outcome)
}

func (d *Dispatcher) record(ctx context.Context, log *zap.Logger, job models.ScheduledJob, outcome models.RunOutcome) {
	err := d.store.RecordScheduledRun(ctx, job.ID, job.NextFireAt, outcome)
	if models.IsConflict(err) {
		log.Debug("schedule already advanced by another dispatcher", zap.Error(err))
		return
	}
	if err != nil {
		log.Error("record scheduled run", zap.Error(err))
		return
	}
	log.Info("schedule advanced", zap.Time("next_fire_at", outcome.NextFireAt), zap.Bool("counted", outcome.Counted))
}
