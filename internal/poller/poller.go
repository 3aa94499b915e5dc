// Package poller advances in-flight executions by observing the platform.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/models"
	"query-orchestrator/internal/telemetry"
)

type Store interface {
	ListInFlightExecutions(ctx context.Context) ([]models.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to models.ExecutionStatus, upd models.ExecutionUpdate) (models.Execution, error)
}

type Credentials interface {
	EnsureValid(ctx context.Context, principalID string) (credential.Token, error)
}

type Platform interface {
	Poll(ctx context.Context, tok credential.Token, externalID string) (gateway.StatusReport, error)
	Cancel(ctx context.Context, tok credential.Token, externalID string) error
}

type Results interface {
	Fetch(ctx context.Context, location string) (models.ResultSet, error)
}

// SyncEnqueuer schedules warehouse replication for a successful execution.
type SyncEnqueuer interface {
	Enqueue(ctx context.Context, executionID string) error
}

type Config struct {
	Concurrency int
	MaxInFlight time.Duration
}

// Poller observes every in-flight execution once per tick.
type Poller struct {
	store    Store
	creds    Credentials
	platform Platform
	results  Results
	syncs    SyncEnqueuer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Store, creds Credentials, platform Platform, results Results, syncs SyncEnqueuer, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Poller{
		store:    store,
		creds:    creds,
		platform: platform,
		results:  results,
		syncs:    syncs,
		cfg:      cfg,
		logger:   logger.Named("poller"),
		now:      time.Now,
	}
}

// Tick polls all in-flight executions under the concurrency limit. Failures
// of single executions are logged and retried on the next tick.
func (p *Poller) Tick(ctx context.Context) error {
	inFlight, err := p.store.ListInFlightExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list in-flight executions: %w", err)
	}
	telemetry.InFlightGauge.Set(float64(len(inFlight)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, e := range inFlight {
		e := e
		g.Go(func() error {
			p.pollOne(gctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) pollOne(ctx context.Context, e models.Execution) {
	if e.Status != models.ExecutionRunning || e.ExternalID == nil {
		return
	}
	log := p.logger.With(zap.String("execution_id", e.ID), zap.String("external_id", *e.ExternalID))

	if started := startedAt(e); p.cfg.MaxInFlight > 0 && p.now().Sub(started) > p.cfg.MaxInFlight {
		p.timeout(ctx, log, e)
		return
	}

	tok, err := p.creds.EnsureValid(ctx, e.PrincipalID)
	if err != nil {
		p.pollFailed(ctx, log, e, err)
		return
	}
	report, err := p.platform.Poll(ctx, tok, *e.ExternalID)
	if err != nil {
		p.pollFailed(ctx, log, e, err)
		return
	}
	if report.Status == e.Status {
		return
	}

	switch report.Status {
	case models.ExecutionSuccess:
		p.succeed(ctx, log, e, report)
	case models.ExecutionFailed, models.ExecutionCancelled:
		msg := report.Error
		if msg == "" {
			msg = "execution " + string(report.Status) + " on platform"
		}
		p.finish(ctx, log, e, report.Status, models.ExecutionUpdate{Error: &msg})
	default:
		log.Warn("unexpected platform status", zap.String("status", string(report.Status)))
	}
}

func (p *Poller) succeed(ctx context.Context, log *zap.Logger, e models.Execution, report gateway.StatusReport) {
	if report.ResultLocation == "" {
		msg := "platform reported success without a result location"
		p.finish(ctx, log, e, models.ExecutionFailed, models.ExecutionUpdate{Error: &msg})
		return
	}
	rs, err := p.results.Fetch(ctx, report.ResultLocation)
	if err != nil {
		if models.IsDataError(err) {
			msg := err.Error()
			p.finish(ctx, log, e, models.ExecutionFailed, models.ExecutionUpdate{Error: &msg, ResultLocation: &report.ResultLocation})
			return
		}
		telemetry.PollErrors.Inc()
		log.Warn("fetch results failed, retrying next tick", zap.Error(err))
		return
	}
	rows := int64(len(rs.Rows))
	updated, ok := p.finish(ctx, log, e, models.ExecutionSuccess, models.ExecutionUpdate{
		RowCount:       &rows,
		ByteSize:       &rs.Bytes,
		ResultLocation: &report.ResultLocation,
	})
	if !ok || !updated.Sync.Enabled || p.syncs == nil {
		return
	}
	if err := p.syncs.Enqueue(ctx, updated.ID); err != nil {
		log.Error("enqueue warehouse sync", zap.Error(err))
	}
}

func (p *Poller) timeout(ctx context.Context, log *zap.Logger, e models.Execution) {
	msg := fmt.Sprintf("exceeded maximum in-flight age of %s", p.cfg.MaxInFlight)
	if _, ok := p.finish(ctx, log, e, models.ExecutionTimedOut, models.ExecutionUpdate{Error: &msg}); !ok {
		return
	}
	tok, err := p.creds.EnsureValid(ctx, e.PrincipalID)
	if err == nil {
		err = p.platform.Cancel(ctx, tok, *e.ExternalID)
	}
	if err != nil {
		log.Warn("cancel timed out execution on platform", zap.Error(err))
	}
}

// pollFailed leaves the execution Running. A principal that must
// reauthenticate is flagged on its credential; the in-flight timeout bounds
// how long the execution waits for that.
func (p *Poller) pollFailed(_ context.Context, log *zap.Logger, e models.Execution, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	telemetry.PollErrors.Inc()
	if models.IsPermanentCredential(err) {
		log.Warn("poll blocked until the principal reauthenticates", zap.String("principal_id", e.PrincipalID), zap.Error(err))
		return
	}
	log.Warn("poll failed, retrying next tick", zap.Error(err))
}

// finish applies a terminal transition from Running. A conflict means another
// tick or a cancel request got there first.
func (p *Poller) finish(ctx context.Context, log *zap.Logger, e models.Execution, to models.ExecutionStatus, upd models.ExecutionUpdate) (models.Execution, bool) {
	now := p.now().UTC()
	upd.CompletedAt = &now
	updated, err := p.store.TransitionExecution(ctx, e.ID, models.ExecutionRunning, to, upd)
	if models.IsConflict(err) {
		log.Debug("execution already moved", zap.String("target", string(to)), zap.Error(err))
		return models.Execution{}, false
	}
	if err != nil {
		log.Error("transition execution", zap.String("target", string(to)), zap.Error(err))
		return models.Execution{}, false
	}
	telemetry.ExecutionTransitions.WithLabelValues(string(to)).Inc()
	log.Info("execution finished", zap.String("status", string(to)))
	return updated, true
}

func startedAt(e models.Execution) time.Time {
	switch {
	case e.StartedAt != nil:
		return *e.StartedAt
	case e.SubmittedAt != nil:
		return *e.SubmittedAt
	default:
		return e.CreatedAt
	}
}
