// Package store persists orchestrator entities. Every write is scoped to one
// entity id and conditioned on the expected prior state, so duplicate ticks
// from concurrent workers become conflicts instead of corrupting state.
package store

import (
	"context"
	"time"

	"query-orchestrator/internal/models"
)

// Repository is the full durable store surface. Components depend on narrower
// interfaces declared next to them.
type Repository interface {
	UpsertCredential(ctx context.Context, c models.Credential) error
	GetCredential(ctx context.Context, principalID string) (models.Credential, error)
	ListExpiringCredentials(ctx context.Context, before time.Time) ([]models.Credential, error)
	UpdateCredentialTokens(ctx context.Context, principalID, access string, refresh *string, expiresAt time.Time) error
	MarkReauthRequired(ctx context.Context, principalID string) error

	UpsertWarehouseConfig(ctx context.Context, cfg models.WarehouseConfig) error
	GetWarehouseConfig(ctx context.Context, principalID string) (models.WarehouseConfig, error)

	CreateScheduledJob(ctx context.Context, j models.ScheduledJob) (models.ScheduledJob, error)
	GetScheduledJob(ctx context.Context, id string) (models.ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, principalID string) ([]models.ScheduledJob, error)
	ListDueScheduledJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error)
	SetScheduledJobActive(ctx context.Context, id string, active bool, nextFire *time.Time) (models.ScheduledJob, error)
	RecordScheduledRun(ctx context.Context, id string, expectedNextFire time.Time, outcome models.RunOutcome) error

	CreateExecution(ctx context.Context, e models.Execution) (models.Execution, error)
	CreateScheduledExecution(ctx context.Context, e models.Execution, since time.Time) (models.Execution, bool, error)
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]models.Execution, error)
	ListInFlightExecutions(ctx context.Context) ([]models.Execution, error)
	MarkExecutionSubmitted(ctx context.Context, id, externalID string, at time.Time) (models.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to models.ExecutionStatus, upd models.ExecutionUpdate) (models.Execution, error)

	CreateBackfillRun(ctx context.Context, run models.BackfillRun, segments []models.BackfillSegment) (models.BackfillRun, error)
	GetBackfillRun(ctx context.Context, id string) (models.BackfillRun, error)
	ListBackfillRuns(ctx context.Context, principalID string) ([]models.BackfillRun, error)
	ListActiveBackfillRuns(ctx context.Context, limit int) ([]models.BackfillRun, error)
	ListSegments(ctx context.Context, runID string, status models.SegmentStatus, limit int) ([]models.BackfillSegment, error)
	ClaimSegment(ctx context.Context, segmentID, executionID string) error
	UpdateSegment(ctx context.Context, segmentID, executionID string, upd models.SegmentUpdate) error
	ResetFailedSegments(ctx context.Context, runID string) (int, error)
	RecomputeBackfillProgress(ctx context.Context, runID string) (models.BackfillProgress, error)
	TransitionBackfillRun(ctx context.Context, runID string, from []models.BackfillStatus, to models.BackfillStatus) (models.BackfillRun, error)

	CreateSyncState(ctx context.Context, executionID string) (models.WarehouseSyncState, bool, error)
	GetSyncState(ctx context.Context, executionID string) (models.WarehouseSyncState, error)
	ClaimSync(ctx context.Context, executionID string, now time.Time, maxAttempts int, staleBefore time.Time) (models.WarehouseSyncState, error)
	FinishSync(ctx context.Context, executionID string, res models.SyncResult) (models.WarehouseSyncState, error)
	ResetSync(ctx context.Context, executionID string) (models.WarehouseSyncState, error)
	ListSyncsDue(ctx context.Context, now time.Time, maxAttempts int, staleBefore time.Time) ([]models.WarehouseSyncState, error)
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*Memory)(nil)
)

func failedSegmentStatuses() []models.SegmentStatus {
	return []models.SegmentStatus{models.SegmentFailed, models.SegmentCancelled, models.SegmentTimedOut}
}
