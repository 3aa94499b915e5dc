// Package backfill executes historical date ranges as independently retried
// segments.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"query-orchestrator/internal/models"
	"query-orchestrator/internal/telemetry"
)

type Store interface {
	CreateBackfillRun(ctx context.Context, run models.BackfillRun, segments []models.BackfillSegment) (models.BackfillRun, error)
	GetBackfillRun(ctx context.Context, id string) (models.BackfillRun, error)
	ListActiveBackfillRuns(ctx context.Context, limit int) ([]models.BackfillRun, error)
	ListSegments(ctx context.Context, runID string, status models.SegmentStatus, limit int) ([]models.BackfillSegment, error)
	ClaimSegment(ctx context.Context, segmentID, executionID string) error
	UpdateSegment(ctx context.Context, segmentID, executionID string, upd models.SegmentUpdate) error
	ResetFailedSegments(ctx context.Context, runID string) (int, error)
	RecomputeBackfillProgress(ctx context.Context, runID string) (models.BackfillProgress, error)
	TransitionBackfillRun(ctx context.Context, runID string, from []models.BackfillStatus, to models.BackfillStatus) (models.BackfillRun, error)
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to models.ExecutionStatus, upd models.ExecutionUpdate) (models.Execution, error)
}

type Submitter interface {
	Create(ctx context.Context, e models.Execution) (models.Execution, error)
	Submit(ctx context.Context, e models.Execution) (models.Execution, error)
}

type Config struct {
	MaxRuns     int
	MaxSegments int
	SegmentDays int
	MaxRetries  int
	// SubmitGrace is how long an execution may stay Pending before the
	// submission is considered lost.
	SubmitGrace time.Duration
}

// Processor advances active backfill runs once per tick.
type Processor struct {
	store     Store
	submitter Submitter
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewProcessor(store Store, submitter Submitter, cfg Config, logger *zap.Logger) *Processor {
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = 5
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 10
	}
	if cfg.SegmentDays <= 0 {
		cfg.SegmentDays = 7
	}
	if cfg.SubmitGrace <= 0 {
		cfg.SubmitGrace = 5 * time.Minute
	}
	return &Processor{store: store, submitter: submitter, cfg: cfg, logger: logger.Named("backfill"), now: time.Now}
}

// Tick settles finished segments, launches pending ones and evaluates run
// completion for up to MaxRuns active runs.
func (p *Processor) Tick(ctx context.Context) error {
	runs, err := p.store.ListActiveBackfillRuns(ctx, p.cfg.MaxRuns)
	if err != nil {
		return fmt.Errorf("list active backfills: %w", err)
	}
	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.processRun(ctx, run)
	}
	return nil
}

func (p *Processor) processRun(ctx context.Context, run models.BackfillRun) {
	log := p.logger.With(zap.String("run_id", run.ID))

	running, err := p.store.ListSegments(ctx, run.ID, models.SegmentRunning, 0)
	if err != nil {
		log.Error("list running segments", zap.Error(err))
		return
	}
	for _, seg := range running {
		p.settle(ctx, log, run, seg)
	}

	pending, err := p.store.ListSegments(ctx, run.ID, models.SegmentPending, p.cfg.MaxSegments)
	if err != nil {
		log.Error("list pending segments", zap.Error(err))
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxSegments)
	for _, seg := range pending {
		seg := seg
		g.Go(func() error {
			p.launch(gctx, log, run, seg)
			return nil
		})
	}
	_ = g.Wait()

	p.evaluate(ctx, log, run.ID)
}

// settle reconciles a running segment with its execution.
func (p *Processor) settle(ctx context.Context, log *zap.Logger, run models.BackfillRun, seg models.BackfillSegment) {
	if seg.ExecutionID == nil {
		return
	}
	execID := *seg.ExecutionID
	log = log.With(zap.String("segment_id", seg.ID), zap.Int("sequence", seg.Sequence), zap.String("execution_id", execID))

	status, errMsg, ok := p.executionOutcome(ctx, log, execID)
	if !ok {
		return
	}

	var upd models.SegmentUpdate
	switch {
	case status == models.ExecutionSuccess:
		upd = models.SegmentUpdate{Status: models.SegmentSuccess}
	case status == models.ExecutionCancelled:
		// Cancelled work is not retried automatically.
		upd = models.SegmentUpdate{Status: models.SegmentCancelled, Error: &errMsg}
	case seg.RetryCount < run.MaxRetries:
		upd = models.SegmentUpdate{Retry: true, Error: &errMsg}
	default:
		upd = models.SegmentUpdate{Status: models.SegmentStatusFor(status), Error: &errMsg}
	}
	if err := p.store.UpdateSegment(ctx, seg.ID, execID, upd); err != nil {
		if !models.IsConflict(err) {
			log.Error("update segment", zap.Error(err))
		}
		return
	}
	label := string(upd.Status)
	if upd.Retry {
		label = "retried"
		log.Info("segment failed, retrying", zap.Int("retry", seg.RetryCount+1), zap.String("error", errMsg))
	} else {
		log.Info("segment settled", zap.String("status", label))
	}
	telemetry.BackfillSegments.WithLabelValues(label).Inc()
}

// executionOutcome reports the terminal status of a segment's execution. ok is
// false while the execution is still in flight.
func (p *Processor) executionOutcome(ctx context.Context, log *zap.Logger, execID string) (models.ExecutionStatus, string, bool) {
	e, err := p.store.GetExecution(ctx, execID)
	if models.IsNotFound(err) {
		return models.ExecutionFailed, "execution was never created", true
	}
	if err != nil {
		log.Error("load segment execution", zap.Error(err))
		return "", "", false
	}
	if e.Status == models.ExecutionPending && p.now().Sub(e.CreatedAt) > p.cfg.SubmitGrace {
		msg := "submission did not complete"
		e, err = p.store.TransitionExecution(ctx, execID, models.ExecutionPending, models.ExecutionFailed, models.ExecutionUpdate{Error: &msg})
		if err != nil {
			log.Debug("expire pending execution", zap.Error(err))
			return "", "", false
		}
	}
	if !e.Status.Terminal() {
		return "", "", false
	}
	msg := ""
	if e.Error != nil {
		msg = *e.Error
	} else if e.Status != models.ExecutionSuccess {
		msg = "execution " + string(e.Status)
	}
	return e.Status, msg, true
}

func (p *Processor) launch(ctx context.Context, log *zap.Logger, run models.BackfillRun, seg models.BackfillSegment) {
	execID := uuid.NewString()
	log = log.With(zap.String("segment_id", seg.ID), zap.Int("sequence", seg.Sequence), zap.String("execution_id", execID))
	if err := p.store.ClaimSegment(ctx, seg.ID, execID); err != nil {
		if !models.IsConflict(err) {
			log.Error("claim segment", zap.Error(err))
		}
		return
	}
	segID := seg.ID
	e, err := p.submitter.Create(ctx, models.Execution{
		ID:                execID,
		PrincipalID:       run.PrincipalID,
		Origin:            models.OriginBackfill,
		BackfillSegmentID: &segID,
		Query:             run.Query,
		Parameters:        WindowParameters(run.Parameters, seg),
		Sync:              run.Sync,
		RetryCount:        seg.RetryCount,
	})
	if err != nil {
		log.Error("create segment execution", zap.Error(err))
		return
	}
	if _, err := p.submitter.Submit(ctx, e); err != nil {
		log.Warn("segment submission failed", zap.Error(err))
	}
}

// evaluate recomputes aggregate progress and closes the run once nothing is
// pending or running.
func (p *Processor) evaluate(ctx context.Context, log *zap.Logger, runID string) {
	progress, err := p.store.RecomputeBackfillProgress(ctx, runID)
	if err != nil {
		log.Error("recompute progress", zap.Error(err))
		return
	}
	if progress.Pending > 0 || progress.Running > 0 {
		return
	}
	to := models.BackfillCompleted
	if progress.Succeeded != progress.Total {
		to = models.BackfillFailed
	}
	if _, err := p.store.TransitionBackfillRun(ctx, runID, []models.BackfillStatus{models.BackfillActive}, to); err != nil {
		if !models.IsConflict(err) {
			log.Error("close backfill run", zap.Error(err))
		}
		return
	}
	log.Info("backfill run finished",
		zap.String("status", string(to)),
		zap.Int("succeeded", progress.Succeeded),
		zap.Int("failed", progress.Failed),
		zap.Int("total", progress.Total),
	)
}
