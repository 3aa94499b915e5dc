// Package service exposes the state-machine-respecting operations offered to
// collaborators: schedule management, ad-hoc submission, cancellation, sync
// retry, backfill control and warehouse configuration.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"query-orchestrator/internal/backfill"
	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/models"
	"query-orchestrator/internal/schedule"
	"query-orchestrator/internal/store"
)

// Credentials onboards principals and yields their tokens.
type Credentials interface {
	Onboard(ctx context.Context, principalID, accessToken, refreshToken string, expiresAt time.Time) error
	EnsureValid(ctx context.Context, principalID string) (credential.Token, error)
}

type Submitter interface {
	Create(ctx context.Context, e models.Execution) (models.Execution, error)
	Submit(ctx context.Context, e models.Execution) (models.Execution, error)
}

// Canceller stops an execution on the platform.
type Canceller interface {
	Cancel(ctx context.Context, tok credential.Token, externalID string) error
}

type Backfills interface {
	CreateRun(ctx context.Context, req backfill.Request) (models.BackfillRun, error)
	Pause(ctx context.Context, runID string) (models.BackfillRun, error)
	Resume(ctx context.Context, runID string) (models.BackfillRun, error)
	RetryFailedSegments(ctx context.Context, runID string) (models.BackfillRun, error)
}

type Syncs interface {
	RetrySync(ctx context.Context, executionID string) (models.WarehouseSyncState, error)
	TestConnection(ctx context.Context, cfg models.WarehouseConfig) error
}

// Service scopes every operation to the calling principal; entities owned by
// another principal are reported as not found.
type Service struct {
	store     store.Repository
	creds     Credentials
	submitter Submitter
	canceller Canceller
	backfills Backfills
	syncs     Syncs
	logger    *zap.Logger
	now       func() time.Time
}

func New(st store.Repository, creds Credentials, submitter Submitter, canceller Canceller, backfills Backfills, syncs Syncs, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		creds:     creds,
		submitter: submitter,
		canceller: canceller,
		backfills: backfills,
		syncs:     syncs,
		logger:    logger.Named("service"),
		now:       time.Now,
	}
}

// --- principals ---

// OnboardPrincipal stores the principal's platform credential.
func (s *Service) OnboardPrincipal(ctx context.Context, principalID, accessToken, refreshToken string, expiresAt time.Time) error {
	if principalID == "" || accessToken == "" {
		return models.ErrValidation("principal id and access token are required")
	}
	return s.creds.Onboard(ctx, principalID, accessToken, refreshToken, expiresAt)
}

// SetWarehouseConfig replaces the principal's warehouse target.
func (s *Service) SetWarehouseConfig(ctx context.Context, cfg models.WarehouseConfig) (models.WarehouseConfig, error) {
	if cfg.Schema != "" && !models.ValidIdentifier(cfg.Schema) {
		return models.WarehouseConfig{}, models.ErrValidation("invalid warehouse schema %q", cfg.Schema)
	}
	if err := s.store.UpsertWarehouseConfig(ctx, cfg); err != nil {
		return models.WarehouseConfig{}, err
	}
	return s.store.GetWarehouseConfig(ctx, cfg.PrincipalID)
}

func (s *Service) GetWarehouseConfig(ctx context.Context, principalID string) (models.WarehouseConfig, error) {
	return s.store.GetWarehouseConfig(ctx, principalID)
}

// TestWarehouseConnection pings the principal's configured warehouse.
func (s *Service) TestWarehouseConnection(ctx context.Context, principalID string) error {
	cfg, err := s.store.GetWarehouseConfig(ctx, principalID)
	if err != nil {
		return err
	}
	return s.syncs.TestConnection(ctx, cfg)
}

// --- schedules ---

// ScheduleRequest describes a new recurring job.
type ScheduleRequest struct {
	Name       string                 `json:"name"`
	Query      models.QueryDefinition `json:"query"`
	Parameters map[string]any         `json:"parameters"`
	CronExpr   string                 `json:"cron_expression"`
	Timezone   string                 `json:"timezone"`
	Sync       models.SyncDirective   `json:"sync"`
}

// CreateScheduledJob validates the cron expression and timezone and stores an
// active job whose first fire is the next cron instant after now.
func (s *Service) CreateScheduledJob(ctx context.Context, principalID string, req ScheduleRequest) (models.ScheduledJob, error) {
	if req.Query.ID == "" {
		return models.ScheduledJob{}, models.ErrValidation("query id is required")
	}
	if err := req.Sync.Validate(); err != nil {
		return models.ScheduledJob{}, err
	}
	next, err := schedule.NextFire(req.CronExpr, req.Timezone, s.now())
	if err != nil {
		return models.ScheduledJob{}, err
	}
	job, err := s.store.CreateScheduledJob(ctx, models.ScheduledJob{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Name:        req.Name,
		Query:       req.Query,
		Parameters:  req.Parameters,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
		Active:      true,
		NextFireAt:  next,
		Sync:        req.Sync,
	})
	if err != nil {
		return models.ScheduledJob{}, err
	}
	s.logger.Info("schedule created", zap.String("schedule_id", job.ID), zap.String("principal_id", principalID), zap.Time("next_fire_at", next))
	return job, nil
}

func (s *Service) GetScheduledJob(ctx context.Context, principalID, id string) (models.ScheduledJob, error) {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	if job.PrincipalID != principalID {
		return models.ScheduledJob{}, models.ErrNotFound("scheduled job %s not found", id)
	}
	return job, nil
}

func (s *Service) ListScheduledJobs(ctx context.Context, principalID string) ([]models.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, principalID)
}

// PauseSchedule deactivates an active job.
func (s *Service) PauseSchedule(ctx context.Context, principalID, id string) (models.ScheduledJob, error) {
	if _, err := s.GetScheduledJob(ctx, principalID, id); err != nil {
		return models.ScheduledJob{}, err
	}
	return s.store.SetScheduledJobActive(ctx, id, false, nil)
}

// ResumeSchedule reactivates a paused job. Fires missed while paused are not
// replayed; the next fire is recomputed from now.
func (s *Service) ResumeSchedule(ctx context.Context, principalID, id string) (models.ScheduledJob, error) {
	job, err := s.GetScheduledJob(ctx, principalID, id)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	next, err := schedule.NextFire(job.CronExpr, job.Timezone, s.now())
	if err != nil {
		return models.ScheduledJob{}, err
	}
	return s.store.SetScheduledJobActive(ctx, id, true, &next)
}

// --- executions ---

// AdhocRequest describes a one-off query submission.
type AdhocRequest struct {
	Query      models.QueryDefinition `json:"query"`
	Parameters map[string]any         `json:"parameters"`
	Sync       models.SyncDirective   `json:"sync"`
}

// SubmitAdhoc creates and submits a one-off execution. A failed submission is
// recorded on the returned execution rather than returned as an error.
func (s *Service) SubmitAdhoc(ctx context.Context, principalID string, req AdhocRequest) (models.Execution, error) {
	e, err := s.submitter.Create(ctx, models.Execution{
		PrincipalID: principalID,
		Origin:      models.OriginAdhoc,
		Query:       req.Query,
		Parameters:  req.Parameters,
		Sync:        req.Sync,
	})
	if err != nil {
		return models.Execution{}, err
	}
	submitted, err := s.submitter.Submit(ctx, e)
	if err != nil && submitted.Status != models.ExecutionFailed {
		return models.Execution{}, err
	}
	return submitted, nil
}

func (s *Service) GetExecution(ctx context.Context, principalID, id string) (models.Execution, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return models.Execution{}, err
	}
	if e.PrincipalID != principalID {
		return models.Execution{}, models.ErrNotFound("execution %s not found", id)
	}
	return e, nil
}

func (s *Service) ListExecutions(ctx context.Context, principalID string, f models.ExecutionFilter) ([]models.Execution, error) {
	f.PrincipalID = principalID
	return s.store.ListExecutions(ctx, f)
}

// CancelExecution moves a non-terminal execution to Cancelled, then asks the
// platform to stop it. The platform call is best-effort.
func (s *Service) CancelExecution(ctx context.Context, principalID, id string) (models.Execution, error) {
	e, err := s.GetExecution(ctx, principalID, id)
	if err != nil {
		return models.Execution{}, err
	}
	if e.Status.Terminal() {
		return models.Execution{}, models.ErrConflict("execution %s is already %s", id, e.Status)
	}
	now := s.now().UTC()
	msg := "cancelled by request"
	cancelled, err := s.store.TransitionExecution(ctx, id, e.Status, models.ExecutionCancelled, models.ExecutionUpdate{CompletedAt: &now, Error: &msg})
	if err != nil {
		return models.Execution{}, err
	}
	log := s.logger.With(zap.String("execution_id", id), zap.String("principal_id", principalID))
	log.Info("execution cancelled")
	if e.ExternalID == nil {
		return cancelled, nil
	}
	tok, err := s.creds.EnsureValid(ctx, principalID)
	if err == nil {
		err = s.canceller.Cancel(ctx, tok, *e.ExternalID)
	}
	if err != nil {
		log.Warn("platform cancel failed", zap.String("external_id", *e.ExternalID), zap.Error(err))
	}
	return cancelled, nil
}

// --- warehouse sync ---

func (s *Service) GetSyncState(ctx context.Context, principalID, executionID string) (models.WarehouseSyncState, error) {
	if _, err := s.GetExecution(ctx, principalID, executionID); err != nil {
		return models.WarehouseSyncState{}, err
	}
	return s.store.GetSyncState(ctx, executionID)
}

// RetrySync restarts a Failed sync with a fresh attempt budget.
func (s *Service) RetrySync(ctx context.Context, principalID, executionID string) (models.WarehouseSyncState, error) {
	if _, err := s.GetExecution(ctx, principalID, executionID); err != nil {
		return models.WarehouseSyncState{}, err
	}
	return s.syncs.RetrySync(ctx, executionID)
}

// --- backfills ---

// BackfillRequest describes a new backfill run. Dates use YYYY-MM-DD.
type BackfillRequest struct {
	Query       models.QueryDefinition `json:"query"`
	Parameters  map[string]any         `json:"parameters"`
	StartDate   string                 `json:"start_date"`
	EndDate     string                 `json:"end_date"`
	SegmentDays int                    `json:"segment_days"`
	MaxRetries  *int                   `json:"max_retries"`
	Sync        models.SyncDirective   `json:"sync"`
}

func (s *Service) CreateBackfill(ctx context.Context, principalID string, req BackfillRequest) (models.BackfillRun, error) {
	start, err := time.Parse(models.DateLayout, req.StartDate)
	if err != nil {
		return models.BackfillRun{}, models.ErrValidation("invalid start date %q", req.StartDate)
	}
	end, err := time.Parse(models.DateLayout, req.EndDate)
	if err != nil {
		return models.BackfillRun{}, models.ErrValidation("invalid end date %q", req.EndDate)
	}
	run, err := s.backfills.CreateRun(ctx, backfill.Request{
		PrincipalID: principalID,
		Query:       req.Query,
		Parameters:  req.Parameters,
		StartDate:   start,
		EndDate:     end,
		SegmentDays: req.SegmentDays,
		MaxRetries:  req.MaxRetries,
		Sync:        req.Sync,
	})
	if err != nil {
		return models.BackfillRun{}, err
	}
	s.logger.Info("backfill created", zap.String("run_id", run.ID), zap.String("principal_id", principalID), zap.Int("segments", run.Progress.Total))
	return run, nil
}

func (s *Service) GetBackfill(ctx context.Context, principalID, id string) (models.BackfillRun, error) {
	run, err := s.store.GetBackfillRun(ctx, id)
	if err != nil {
		return models.BackfillRun{}, err
	}
	if run.PrincipalID != principalID {
		return models.BackfillRun{}, models.ErrNotFound("backfill run %s not found", id)
	}
	return run, nil
}

func (s *Service) ListBackfills(ctx context.Context, principalID string) ([]models.BackfillRun, error) {
	return s.store.ListBackfillRuns(ctx, principalID)
}

func (s *Service) ListSegments(ctx context.Context, principalID, runID string) ([]models.BackfillSegment, error) {
	if _, err := s.GetBackfill(ctx, principalID, runID); err != nil {
		return nil, err
	}
	return s.store.ListSegments(ctx, runID, "", 0)
}

func (s *Service) PauseBackfill(ctx context.Context, principalID, id string) (models.BackfillRun, error) {
	if _, err := s.GetBackfill(ctx, principalID, id); err != nil {
		return models.BackfillRun{}, err
	}
	return s.backfills.Pause(ctx, id)
}

func (s *Service) ResumeBackfill(ctx context.Context, principalID, id string) (models.BackfillRun, error) {
	if _, err := s.GetBackfill(ctx, principalID, id); err != nil {
		return models.BackfillRun{}, err
	}
	return s.backfills.Resume(ctx, id)
}

func (s *Service) RetryFailedSegments(ctx context.Context, principalID, id string) (models.BackfillRun, error) {
	if _, err := s.GetBackfill(ctx, principalID, id); err != nil {
		return models.BackfillRun{}, err
	}
	return s.backfills.RetryFailedSegments(ctx, id)
}
