package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/models"
	"query-orchestrator/internal/store"
)

type creds struct{}

func (creds) EnsureValid(_ context.Context, principalID string) (credential.Token, error) {
	return credential.StaticToken(principalID, "secret", time.Now().Add(time.Hour)), nil
}

type platform struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *platform) Submit(context.Context, credential.Token, models.QueryDefinition, map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return "ext-" + time.Now().Format(time.RFC3339Nano), nil
}

func (p *platform) Cancel(context.Context, credential.Token, string) error { return nil }

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

func newDispatcher(t *testing.T, plat *platform, now time.Time) (*Dispatcher, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	sub := execution.NewSubmitter(mem, creds{}, plat, zap.NewNop())
	d := NewDispatcher(mem, sub, nil, 5*time.Minute, zap.NewNop())
	d.now = func() time.Time { return now }
	return d, mem
}

func newYorkJob(t *testing.T, mem *store.Memory, nextFire time.Time) {
	t.Helper()
	_, err := mem.CreateScheduledJob(context.Background(), models.ScheduledJob{
		ID:          "job-1",
		PrincipalID: "p1",
		Query:       models.QueryDefinition{ID: "weekly-reach"},
		CronExpr:    "0 9 * * *",
		Timezone:    "America/New_York",
		Active:      true,
		NextFireAt:  nextFire,
	})
	require.NoError(t, err)
}

func TestNextFireInJobTimezone(t *testing.T) {
	// 09:00 EST is 14:00 UTC.
	after := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	next, err := NextFire("0 9 * * *", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), next)

	// Across the DST switch 09:00 EDT is 13:00 UTC.
	next, err = NextFire("0 9 * * *", "America/New_York", time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.UTC, next.Location())

	_, err = NextFire("61 * * * *", "UTC", after)
	assert.True(t, models.IsValidation(err))
	_, err = NextFire("0 9 * * *", "Mars/Olympus", after)
	assert.True(t, models.IsValidation(err))
}

func TestFireCreatesExecutionAndAdvances(t *testing.T) {
	ctx := context.Background()
	fire := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	plat := &platform{}
	d, mem := newDispatcher(t, plat, fire.Add(30*time.Second))
	newYorkJob(t, mem, fire)

	require.NoError(t, d.Tick(ctx))

	execs, err := mem.ListExecutions(ctx, models.ExecutionFilter{ScheduledJobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionRunning, execs[0].Status)
	assert.Equal(t, models.OriginScheduled, execs[0].Origin)

	job, err := mem.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), job.NextFireAt)
	assert.Equal(t, 1, job.TotalRuns)
	assert.Equal(t, 1, job.SuccessRuns)
	require.NotNil(t, job.LastFireAt)
}

func TestOverlappingTicksCreateOneExecution(t *testing.T) {
	ctx := context.Background()
	fire := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	plat := &platform{}
	d, mem := newDispatcher(t, plat, fire.Add(time.Second))
	newYorkJob(t, mem, fire)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Tick(ctx))
		}()
	}
	wg.Wait()

	execs, err := mem.ListExecutions(ctx, models.ExecutionFilter{ScheduledJobID: "job-1"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
	assert.Equal(t, 1, plat.calls)
}

func TestRecentExecutionSuppressesFire(t *testing.T) {
	ctx := context.Background()
	fire := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	plat := &platform{}
	d, mem := newDispatcher(t, plat, fire.Add(time.Second))
	newYorkJob(t, mem, fire)

	// A restart left an execution created two minutes ago.
	jobID := "job-1"
	_, err := mem.CreateExecution(ctx, models.Execution{ID: "earlier", PrincipalID: "p1", ScheduledJobID: &jobID, CreatedAt: fire.Add(-2 * time.Minute)})
	require.NoError(t, err)

	require.NoError(t, d.Tick(ctx))
	assert.Equal(t, 0, plat.calls)

	job, err := mem.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, job.NextFireAt.After(fire), "next fire still advances")
	assert.Equal(t, 0, job.TotalRuns)
}

func TestSubmissionFailureStillAdvances(t *testing.T) {
	ctx := context.Background()
	fire := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	plat := &platform{err: &models.TransientError{Kind: models.TransientServer, Err: errors.New("503")}}
	d, mem := newDispatcher(t, plat, fire)
	newYorkJob(t, mem, fire)

	require.NoError(t, d.Tick(ctx))

	job, err := mem.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.TotalRuns)
	assert.Equal(t, 1, job.FailedRuns)
	assert.Equal(t, 0, job.SuccessRuns)
	assert.True(t, job.NextFireAt.After(fire))

	execs, _ := mem.ListExecutions(ctx, models.ExecutionFilter{ScheduledJobID: "job-1"})
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
}

func TestNextFireStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	fire := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	plat := &platform{}
	d, mem := newDispatcher(t, plat, fire)
	newYorkJob(t, mem, fire)

	prev := fire
	clock := fire
	for i := 0; i < 5; i++ {
		d.now = func() time.Time { return clock }
		require.NoError(t, d.Tick(ctx))
		job, err := mem.GetScheduledJob(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, job.NextFireAt.After(prev))
		prev = job.NextFireAt
		clock = job.NextFireAt.Add(time.Minute)
	}
	job, _ := mem.GetScheduledJob(ctx, "job-1")
	assert.Equal(t, 5, job.TotalRuns)
}

func TestRateLimitedFireStaysDue(t *testing.T) {
	ctx := context.Background()
	fire := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	plat := &platform{}
	d, mem := newDispatcher(t, plat, fire)
	d.limiter = denyAll{}
	newYorkJob(t, mem, fire)

	require.NoError(t, d.Tick(ctx))
	job, _ := mem.GetScheduledJob(ctx, "job-1")
	assert.Equal(t, fire, job.NextFireAt)
	assert.Equal(t, 0, plat.calls)
}
