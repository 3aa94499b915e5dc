package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"query-orchestrator/internal/backfill"
	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/models"
	"query-orchestrator/internal/store"
)

type creds struct{}

func (creds) Onboard(context.Context, string, string, string, time.Time) error { return nil }

func (creds) EnsureValid(_ context.Context, principalID string) (credential.Token, error) {
	return credential.StaticToken(principalID, "secret", time.Now().Add(time.Hour)), nil
}

type platform struct {
	mu        sync.Mutex
	submitErr error
	cancelled []string
}

func (p *platform) Submit(context.Context, credential.Token, models.QueryDefinition, map[string]any) (string, error) {
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return "ext-1", nil
}

func (p *platform) Cancel(_ context.Context, _ credential.Token, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, externalID)
	return errors.New("platform already finished it")
}

type syncs struct{ st *store.Memory }

func (s syncs) RetrySync(ctx context.Context, id string) (models.WarehouseSyncState, error) {
	return s.st.ResetSync(ctx, id)
}

func (s syncs) TestConnection(context.Context, models.WarehouseConfig) error { return nil }

func newService(t *testing.T, plat *platform) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	sub := execution.NewSubmitter(mem, creds{}, plat, zap.NewNop())
	bf := backfill.NewProcessor(mem, sub, backfill.Config{}, zap.NewNop())
	svc := New(mem, creds{}, sub, plat, bf, syncs{mem}, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC) }
	return svc, mem
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &platform{})

	_, err := svc.CreateScheduledJob(ctx, "p1", ScheduleRequest{Query: models.QueryDefinition{ID: "q"}, CronExpr: "not cron"})
	assert.True(t, models.IsValidation(err))

	job, err := svc.CreateScheduledJob(ctx, "p1", ScheduleRequest{
		Query:    models.QueryDefinition{ID: "q"},
		CronExpr: "0 9 * * *",
		Timezone: "America/New_York",
	})
	require.NoError(t, err)
	assert.True(t, job.Active)
	assert.Equal(t, time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC), job.NextFireAt)

	_, err = svc.PauseSchedule(ctx, "p2", job.ID)
	assert.True(t, models.IsNotFound(err), "other principals cannot see the job")

	paused, err := svc.PauseSchedule(ctx, "p1", job.ID)
	require.NoError(t, err)
	assert.False(t, paused.Active)
	_, err = svc.PauseSchedule(ctx, "p1", job.ID)
	assert.True(t, models.IsConflict(err))

	svc.now = func() time.Time { return time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC) }
	resumed, err := svc.ResumeSchedule(ctx, "p1", job.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Active)
	assert.Equal(t, time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC), resumed.NextFireAt, "missed fires are not replayed")
	_, err = svc.ResumeSchedule(ctx, "p1", job.ID)
	assert.True(t, models.IsConflict(err))
}

func TestCancelExecution(t *testing.T) {
	ctx := context.Background()
	plat := &platform{}
	svc, _ := newService(t, plat)

	e, err := svc.SubmitAdhoc(ctx, "p1", AdhocRequest{Query: models.QueryDefinition{ID: "q"}})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionRunning, e.Status)

	_, err = svc.CancelExecution(ctx, "p2", e.ID)
	assert.True(t, models.IsNotFound(err))

	cancelled, err := svc.CancelExecution(ctx, "p1", e.ID)
	require.NoError(t, err, "platform cancel failures are best-effort")
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)
	assert.Equal(t, []string{"ext-1"}, plat.cancelled)

	_, err = svc.CancelExecution(ctx, "p1", e.ID)
	assert.True(t, models.IsConflict(err))
}

func TestSubmitAdhocRecordsFailure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &platform{submitErr: &models.DataError{Err: errors.New("syntax error")}})

	e, err := svc.SubmitAdhoc(ctx, "p1", AdhocRequest{Query: models.QueryDefinition{ID: "q"}})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, e.Status)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "syntax error")

	_, err = svc.SubmitAdhoc(ctx, "p1", AdhocRequest{})
	assert.True(t, models.IsValidation(err))
}

func TestRetrySyncOnlyFromFailed(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t, &platform{})
	e, err := svc.SubmitAdhoc(ctx, "p1", AdhocRequest{Query: models.QueryDefinition{ID: "q"}, Sync: models.SyncDirective{Enabled: true, Table: "t"}})
	require.NoError(t, err)
	_, _, err = mem.CreateSyncState(ctx, e.ID)
	require.NoError(t, err)

	_, err = svc.RetrySync(ctx, "p1", e.ID)
	assert.True(t, models.IsConflict(err), "pending syncs cannot be retried")

	now := time.Now()
	_, err = mem.ClaimSync(ctx, e.ID, now, 3, now.Add(-time.Minute))
	require.NoError(t, err)
	msg := "boom"
	_, err = mem.FinishSync(ctx, e.ID, models.SyncResult{Status: models.SyncFailed, Attempts: 3, LastError: &msg})
	require.NoError(t, err)

	st, err := svc.RetrySync(ctx, "p1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, st.Status)
	assert.Equal(t, 0, st.Attempts)
}

func TestBackfillOperations(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &platform{})

	_, err := svc.CreateBackfill(ctx, "p1", BackfillRequest{Query: models.QueryDefinition{ID: "q"}, StartDate: "2024-01-01", EndDate: "nope"})
	assert.True(t, models.IsValidation(err))

	run, err := svc.CreateBackfill(ctx, "p1", BackfillRequest{Query: models.QueryDefinition{ID: "q"}, StartDate: "2024-01-01", EndDate: "2024-01-21"})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Progress.Total)

	segs, err := svc.ListSegments(ctx, "p1", run.ID)
	require.NoError(t, err)
	assert.Len(t, segs, 3)

	_, err = svc.GetBackfill(ctx, "p2", run.ID)
	assert.True(t, models.IsNotFound(err))

	paused, err := svc.PauseBackfill(ctx, "p1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackfillPaused, paused.Status)
	_, err = svc.RetryFailedSegments(ctx, "p1", run.ID)
	assert.True(t, models.IsConflict(err), "nothing has failed yet")
	resumed, err := svc.ResumeBackfill(ctx, "p1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackfillActive, resumed.Status)
}

func TestWarehouseConfig(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &platform{})

	_, err := svc.SetWarehouseConfig(ctx, models.WarehouseConfig{PrincipalID: "p1", Schema: "no spaces allowed"})
	assert.True(t, models.IsValidation(err))

	assert.True(t, models.IsNotFound(svc.TestWarehouseConnection(ctx, "p1")))
	cfg, err := svc.SetWarehouseConfig(ctx, models.WarehouseConfig{PrincipalID: "p1", Enabled: true, Database: "analytics.duckdb", Schema: "reporting"})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.NoError(t, svc.TestWarehouseConnection(ctx, "p1"))
}
