package backfill

import (
	"context"
	"time"

	"github.com/google/uuid"

	"query-orchestrator/internal/models"
)

// Request describes a new backfill run.
type Request struct {
	PrincipalID string
	Query       models.QueryDefinition
	Parameters  map[string]any
	StartDate   time.Time
	EndDate     time.Time
	SegmentDays int
	MaxRetries  *int
	Sync        models.SyncDirective
}

// CreateRun validates the request, plans its segments and stores the run as
// Active.
func (p *Processor) CreateRun(ctx context.Context, req Request) (models.BackfillRun, error) {
	if req.PrincipalID == "" || req.Query.ID == "" {
		return models.BackfillRun{}, models.ErrValidation("principal id and query id are required")
	}
	if err := req.Sync.Validate(); err != nil {
		return models.BackfillRun{}, err
	}
	days := req.SegmentDays
	if days == 0 {
		days = p.cfg.SegmentDays
	}
	retries := p.cfg.MaxRetries
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	if retries < 0 {
		return models.BackfillRun{}, models.ErrValidation("max retries must not be negative")
	}
	run := models.BackfillRun{
		ID:          uuid.NewString(),
		PrincipalID: req.PrincipalID,
		Query:       req.Query,
		Parameters:  req.Parameters,
		StartDate:   truncateDay(req.StartDate),
		EndDate:     truncateDay(req.EndDate),
		SegmentDays: days,
		MaxRetries:  retries,
		Sync:        req.Sync,
		Status:      models.BackfillActive,
	}
	segs, err := Plan(run.ID, run.StartDate, run.EndDate, days)
	if err != nil {
		return models.BackfillRun{}, err
	}
	return p.store.CreateBackfillRun(ctx, run, segs)
}

// Pause stops an active run from launching further segments. Segments
// already running keep running and are settled once the run resumes.
func (p *Processor) Pause(ctx context.Context, runID string) (models.BackfillRun, error) {
	return p.store.TransitionBackfillRun(ctx, runID, []models.BackfillStatus{models.BackfillActive}, models.BackfillPaused)
}

func (p *Processor) Resume(ctx context.Context, runID string) (models.BackfillRun, error) {
	return p.store.TransitionBackfillRun(ctx, runID, []models.BackfillStatus{models.BackfillPaused}, models.BackfillActive)
}

// RetryFailedSegments returns every failed, cancelled or timed-out segment to
// Pending with a fresh retry budget and reopens a Failed run.
func (p *Processor) RetryFailedSegments(ctx context.Context, runID string) (models.BackfillRun, error) {
	run, err := p.store.GetBackfillRun(ctx, runID)
	if err != nil {
		return models.BackfillRun{}, err
	}
	if run.Status == models.BackfillCompleted {
		return models.BackfillRun{}, models.ErrConflict("backfill run %s already completed", runID)
	}
	n, err := p.store.ResetFailedSegments(ctx, runID)
	if err != nil {
		return models.BackfillRun{}, err
	}
	if n == 0 {
		return models.BackfillRun{}, models.ErrConflict("backfill run %s has no failed segments", runID)
	}
	if run.Status == models.BackfillFailed {
		if _, err := p.store.TransitionBackfillRun(ctx, runID, []models.BackfillStatus{models.BackfillFailed}, models.BackfillActive); err != nil {
			return models.BackfillRun{}, err
		}
	}
	if _, err := p.store.RecomputeBackfillProgress(ctx, runID); err != nil {
		return models.BackfillRun{}, err
	}
	return p.store.GetBackfillRun(ctx, runID)
}
