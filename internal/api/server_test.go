package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"query-orchestrator/internal/backfill"
	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/models"
	"query-orchestrator/internal/ratelimit"
	"query-orchestrator/internal/service"
	"query-orchestrator/internal/store"
)

type creds struct{}

func (creds) Onboard(context.Context, string, string, string, time.Time) error { return nil }

func (creds) EnsureValid(_ context.Context, principalID string) (credential.Token, error) {
	return credential.StaticToken(principalID, "secret", time.Now().Add(time.Hour)), nil
}

type platform struct{}

func (platform) Submit(context.Context, credential.Token, models.QueryDefinition, map[string]any) (string, error) {
	return "ext-1", nil
}

func (platform) Cancel(context.Context, credential.Token, string) error { return nil }

type syncs struct{ st *store.Memory }

func (s syncs) RetrySync(ctx context.Context, id string) (models.WarehouseSyncState, error) {
	return s.st.ResetSync(ctx, id)
}

func (syncs) TestConnection(context.Context, models.WarehouseConfig) error { return nil }

func newServer(t *testing.T, capacity int) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := store.NewMemory()
	sub := execution.NewSubmitter(mem, creds{}, platform{}, zap.NewNop())
	bf := backfill.NewProcessor(mem, sub, backfill.Config{}, zap.NewNop())
	svc := service.New(mem, creds{}, sub, platform{}, bf, syncs{mem}, zap.NewNop())
	limiter := ratelimit.NewTokenBucket(client, "api", capacity, 0.001, time.Hour)
	return New(svc, limiter, zap.NewNop()).Router()
}

func call(t *testing.T, h http.Handler, method, path, principal string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set("X-Principal-ID", principal)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := call(t, newServer(t, 5), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPrincipalHeaderRequired(t *testing.T) {
	rec := call(t, newServer(t, 5), http.MethodGet, "/schedules", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	h := newServer(t, 5)

	rec := call(t, h, http.MethodPost, "/schedules", "p1", map[string]any{
		"name":            "weekly reach",
		"query":           map[string]any{"id": "q1"},
		"cron_expression": "0 9 * * 1",
		"timezone":        "UTC",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var job models.ScheduledJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.True(t, job.Active)

	rec = call(t, h, http.MethodGet, "/schedules/"+job.ID, "p2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodPost, "/schedules/"+job.ID+"/pause", "p1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, h, http.MethodPost, "/schedules/"+job.ID+"/pause", "p1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, h, http.MethodPost, "/schedules", "p1", map[string]any{
		"query":           map[string]any{"id": "q1"},
		"cron_expression": "every tuesday",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutionEndpoints(t *testing.T) {
	h := newServer(t, 5)

	rec := call(t, h, http.MethodPost, "/executions", "p1", map[string]any{"query": map[string]any{"id": "q1"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var e models.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, models.ExecutionRunning, e.Status)

	rec = call(t, h, http.MethodGet, "/executions?status=bogus", "p1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "/executions/"+e.ID+"/cancel", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(t, h, http.MethodGet, "/executions/"+e.ID+"/sync", "p1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateIsRateLimited(t *testing.T) {
	h := newServer(t, 1)
	body := map[string]any{"query": map[string]any{"id": "q1"}}

	assert.Equal(t, http.StatusAccepted, call(t, h, http.MethodPost, "/executions", "p1", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, call(t, h, http.MethodPost, "/executions", "p1", body).Code)
	assert.Equal(t, http.StatusAccepted, call(t, h, http.MethodPost, "/executions", "p2", body).Code, "buckets are per principal")
}

func TestInvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/backfills", bytes.NewBufferString("{"))
	req.Header.Set("X-Principal-ID", "p1")
	rec := httptest.NewRecorder()
	newServer(t, 5).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
