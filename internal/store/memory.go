package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"query-orchestrator/internal/models"
)

// Memory is an in-process Repository with the same conditional-write
// semantics as Store. It backs STORE_DRIVER=memory and the package tests.
type Memory struct {
	mu sync.Mutex

	credentials map[string]models.Credential
	warehouses  map[string]models.WarehouseConfig
	schedules   map[string]models.ScheduledJob
	executions  map[string]models.Execution
	runs        map[string]models.BackfillRun
	segments    map[string]models.BackfillSegment
	syncs       map[string]models.WarehouseSyncState

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		credentials: map[string]models.Credential{},
		warehouses:  map[string]models.WarehouseConfig{},
		schedules:   map[string]models.ScheduledJob{},
		executions:  map[string]models.Execution{},
		runs:        map[string]models.BackfillRun{},
		segments:    map[string]models.BackfillSegment{},
		syncs:       map[string]models.WarehouseSyncState{},
		now:         time.Now,
	}
}

// --- credentials ---

func (m *Memory) UpsertCredential(_ context.Context, c models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	m.credentials[c.PrincipalID] = c
	return nil
}

func (m *Memory) GetCredential(_ context.Context, principalID string) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[principalID]
	if !ok {
		return models.Credential{}, models.ErrConfiguration("no credential linked for principal %s", principalID)
	}
	return c, nil
}

func (m *Memory) ListExpiringCredentials(_ context.Context, before time.Time) ([]models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Credential
	for _, c := range m.credentials {
		if !c.ExpiresAt.After(before) && !c.ReauthRequired && c.RefreshEncrypted != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) UpdateCredentialTokens(_ context.Context, principalID, access string, refresh *string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[principalID]
	if !ok {
		return models.ErrNotFound("credential for principal %s not found", principalID)
	}
	c.AccessEncrypted = access
	if refresh != nil {
		v := *refresh
		c.RefreshEncrypted = &v
	}
	c.ExpiresAt = expiresAt
	c.ReauthRequired = false
	c.UpdatedAt = m.now()
	m.credentials[principalID] = c
	return nil
}

func (m *Memory) MarkReauthRequired(_ context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[principalID]; ok {
		c.ReauthRequired = true
		c.UpdatedAt = m.now()
		m.credentials[principalID] = c
	}
	return nil
}

// --- warehouse configs ---

func (m *Memory) UpsertWarehouseConfig(_ context.Context, cfg models.WarehouseConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = m.now()
	m.warehouses[cfg.PrincipalID] = cfg
	return nil
}

func (m *Memory) GetWarehouseConfig(_ context.Context, principalID string) (models.WarehouseConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.warehouses[principalID]
	if !ok {
		return models.WarehouseConfig{}, models.ErrNotFound("warehouse config for principal %s not found", principalID)
	}
	return cfg, nil
}

// --- scheduled jobs ---

func (m *Memory) CreateScheduledJob(_ context.Context, j models.ScheduledJob) (models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[j.ID]; ok {
		return models.ScheduledJob{}, models.ErrConflict("scheduled job %s already exists", j.ID)
	}
	now := m.now()
	j.Parameters = maps.Clone(j.Parameters)
	j.CreatedAt, j.UpdatedAt = now, now
	m.schedules[j.ID] = j
	return j, nil
}

func (m *Memory) GetScheduledJob(_ context.Context, id string) (models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.schedules[id]
	if !ok {
		return models.ScheduledJob{}, models.ErrNotFound("scheduled job %s not found", id)
	}
	return j, nil
}

func (m *Memory) ListScheduledJobs(_ context.Context, principalID string) ([]models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledJob
	for _, j := range m.schedules {
		if principalID == "" || j.PrincipalID == principalID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) ListDueScheduledJobs(_ context.Context, now time.Time) ([]models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledJob
	for _, j := range m.schedules {
		if j.Active && !j.NextFireAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextFireAt.Before(out[k].NextFireAt) })
	return out, nil
}

func (m *Memory) SetScheduledJobActive(_ context.Context, id string, active bool, nextFire *time.Time) (models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.schedules[id]
	if !ok {
		return models.ScheduledJob{}, models.ErrNotFound("scheduled job %s not found", id)
	}
	if j.Active == active {
		return models.ScheduledJob{}, models.ErrConflict("scheduled job %s already has active=%t", id, active)
	}
	j.Active = active
	if nextFire != nil {
		j.NextFireAt = nextFire.UTC()
	}
	j.UpdatedAt = m.now()
	m.schedules[id] = j
	return j, nil
}

func (m *Memory) RecordScheduledRun(_ context.Context, id string, expectedNextFire time.Time, outcome models.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.schedules[id]
	if !ok || !j.NextFireAt.Equal(expectedNextFire) {
		return models.ErrConflict("scheduled job %s next fire moved since %s", id, expectedNextFire.UTC().Format(time.RFC3339))
	}
	j.NextFireAt = outcome.NextFireAt.UTC()
	if outcome.Counted {
		fired := outcome.FiredAt.UTC()
		j.LastFireAt = &fired
		j.TotalRuns++
		if outcome.Succeeded {
			j.SuccessRuns++
		} else {
			j.FailedRuns++
		}
	}
	j.UpdatedAt = m.now()
	m.schedules[id] = j
	return nil
}

// --- executions ---

func (m *Memory) insertExecution(e models.Execution) (models.Execution, error) {
	if _, ok := m.executions[e.ID]; ok {
		return models.Execution{}, models.ErrConflict("execution %s already exists", e.ID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	e.Parameters = maps.Clone(e.Parameters)
	e.Status = models.ExecutionPending
	e.UpdatedAt = e.CreatedAt
	m.executions[e.ID] = e
	return e, nil
}

func (m *Memory) CreateExecution(_ context.Context, e models.Execution) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertExecution(e)
}

func (m *Memory) CreateScheduledExecution(_ context.Context, e models.Execution, since time.Time) (models.Execution, bool, error) {
	if e.ScheduledJobID == nil {
		return models.Execution{}, false, models.ErrValidation("scheduled execution requires a scheduled job id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.ScheduledJobID != nil && *existing.ScheduledJobID == *e.ScheduledJobID && existing.CreatedAt.After(since) {
			return models.Execution{}, false, nil
		}
	}
	created, err := m.insertExecution(e)
	if err != nil {
		return models.Execution{}, false, err
	}
	return created, true, nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.Execution{}, models.ErrNotFound("execution %s not found", id)
	}
	return e, nil
}

func (m *Memory) ListExecutions(_ context.Context, f models.ExecutionFilter) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
			continue
		}
		if f.ScheduledJobID != "" && (e.ScheduledJobID == nil || *e.ScheduledJobID != f.ScheduledJobID) {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListInFlightExecutions(_ context.Context) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if (e.Status == models.ExecutionPending || e.Status == models.ExecutionRunning) && e.ExternalID != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkExecutionSubmitted(_ context.Context, id, externalID string, at time.Time) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.Execution{}, models.ErrNotFound("execution %s not found", id)
	}
	if e.Status != models.ExecutionPending || e.ExternalID != nil {
		return models.Execution{}, models.ErrConflict("execution %s is %s, cannot move %s -> %s", id, e.Status, models.ExecutionPending, models.ExecutionRunning)
	}
	at = at.UTC()
	e.Status = models.ExecutionRunning
	e.ExternalID = &externalID
	e.SubmittedAt = &at
	e.StartedAt = &at
	e.UpdatedAt = m.now()
	m.executions[id] = e
	return e, nil
}

func (m *Memory) TransitionExecution(_ context.Context, id string, from, to models.ExecutionStatus, upd models.ExecutionUpdate) (models.Execution, error) {
	if !models.CanTransition(from, to) {
		return models.Execution{}, models.ErrConflict("illegal execution transition %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.Execution{}, models.ErrNotFound("execution %s not found", id)
	}
	if e.Status != from {
		return models.Execution{}, models.ErrConflict("execution %s is %s, cannot move %s -> %s", id, e.Status, from, to)
	}
	e.Status = to
	if upd.StartedAt != nil {
		e.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		e.CompletedAt = upd.CompletedAt
	}
	if upd.RowCount != nil {
		e.RowCount = upd.RowCount
	}
	if upd.ByteSize != nil {
		e.ByteSize = upd.ByteSize
	}
	if upd.ResultLocation != nil {
		e.ResultLocation = upd.ResultLocation
	}
	if upd.Error != nil {
		e.Error = upd.Error
	}
	e.UpdatedAt = m.now()
	m.executions[id] = e
	return e, nil
}

// --- backfill ---

func (m *Memory) CreateBackfillRun(_ context.Context, run models.BackfillRun, segments []models.BackfillSegment) (models.BackfillRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return models.BackfillRun{}, models.ErrConflict("backfill run %s already exists", run.ID)
	}
	now := m.now()
	run.Parameters = maps.Clone(run.Parameters)
	run.Status = models.BackfillActive
	run.Progress = models.BackfillProgress{Total: len(segments), Pending: len(segments)}
	run.CreatedAt, run.UpdatedAt = now, now
	m.runs[run.ID] = run
	for _, seg := range segments {
		seg.RunID = run.ID
		seg.Status = models.SegmentPending
		seg.ExecutionID = nil
		seg.RetryCount = 0
		seg.UpdatedAt = now
		m.segments[seg.ID] = seg
	}
	return run, nil
}

func (m *Memory) GetBackfillRun(_ context.Context, id string) (models.BackfillRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return models.BackfillRun{}, models.ErrNotFound("backfill run %s not found", id)
	}
	return r, nil
}

func (m *Memory) ListBackfillRuns(_ context.Context, principalID string) ([]models.BackfillRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BackfillRun
	for _, r := range m.runs {
		if principalID == "" || r.PrincipalID == principalID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveBackfillRuns(_ context.Context, limit int) ([]models.BackfillRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BackfillRun
	for _, r := range m.runs {
		if r.Status == models.BackfillActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListSegments(_ context.Context, runID string, status models.SegmentStatus, limit int) ([]models.BackfillSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BackfillSegment
	for _, seg := range m.segments {
		if seg.RunID == runID && (status == "" || seg.Status == status) {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimSegment(_ context.Context, segmentID, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[segmentID]
	if !ok || seg.Status != models.SegmentPending {
		return models.ErrConflict("segment %s is not pending", segmentID)
	}
	seg.Status = models.SegmentRunning
	seg.ExecutionID = &executionID
	seg.Error = nil
	seg.UpdatedAt = m.now()
	m.segments[segmentID] = seg
	return nil
}

func (m *Memory) UpdateSegment(_ context.Context, segmentID, executionID string, upd models.SegmentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[segmentID]
	if !ok || seg.Status != models.SegmentRunning || seg.ExecutionID == nil || *seg.ExecutionID != executionID {
		return models.ErrConflict("segment %s is not running execution %s", segmentID, executionID)
	}
	if upd.Retry {
		seg.Status = models.SegmentPending
		seg.RetryCount++
		seg.ExecutionID = nil
	} else {
		seg.Status = upd.Status
	}
	seg.Error = upd.Error
	seg.UpdatedAt = m.now()
	m.segments[segmentID] = seg
	return nil
}

func (m *Memory) ResetFailedSegments(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := failedSegmentStatuses()
	n := 0
	for id, seg := range m.segments {
		if seg.RunID != runID || !slices.Contains(failed, seg.Status) {
			continue
		}
		seg.Status = models.SegmentPending
		seg.RetryCount = 0
		seg.ExecutionID = nil
		seg.Error = nil
		seg.UpdatedAt = m.now()
		m.segments[id] = seg
		n++
	}
	return n, nil
}

func (m *Memory) RecomputeBackfillProgress(_ context.Context, runID string) (models.BackfillProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.BackfillProgress{}, models.ErrNotFound("backfill run %s not found", runID)
	}
	failed := failedSegmentStatuses()
	var p models.BackfillProgress
	for _, seg := range m.segments {
		if seg.RunID != runID {
			continue
		}
		p.Total++
		switch {
		case seg.Status == models.SegmentPending:
			p.Pending++
		case seg.Status == models.SegmentRunning:
			p.Running++
		case seg.Status == models.SegmentSuccess:
			p.Succeeded++
		case slices.Contains(failed, seg.Status):
			p.Failed++
		}
	}
	run.Progress = p
	run.UpdatedAt = m.now()
	m.runs[runID] = run
	return p, nil
}

func (m *Memory) TransitionBackfillRun(_ context.Context, runID string, from []models.BackfillStatus, to models.BackfillStatus) (models.BackfillRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.BackfillRun{}, models.ErrNotFound("backfill run %s not found", runID)
	}
	if !slices.Contains(from, run.Status) {
		return models.BackfillRun{}, models.ErrConflict("backfill run %s is %s, cannot move to %s", runID, run.Status, to)
	}
	run.Status = to
	run.UpdatedAt = m.now()
	m.runs[runID] = run
	return run, nil
}

// --- warehouse sync ---

func (m *Memory) CreateSyncState(_ context.Context, executionID string) (models.WarehouseSyncState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.syncs[executionID]; ok {
		return st, false, nil
	}
	if _, ok := m.executions[executionID]; !ok {
		return models.WarehouseSyncState{}, false, models.ErrNotFound("execution %s not found", executionID)
	}
	now := m.now()
	st := models.WarehouseSyncState{
		ExecutionID: executionID,
		Status:      models.SyncPending,
		KeyColumns:  []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.syncs[executionID] = st
	return st, true, nil
}

func (m *Memory) GetSyncState(_ context.Context, executionID string) (models.WarehouseSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncs[executionID]
	if !ok {
		return models.WarehouseSyncState{}, models.ErrNotFound("sync state for execution %s not found", executionID)
	}
	return st, nil
}

func syncClaimableAt(st models.WarehouseSyncState, now time.Time, maxAttempts int, staleBefore time.Time) bool {
	switch st.Status {
	case models.SyncPending:
		return true
	case models.SyncFailed:
		return st.Attempts < maxAttempts && (st.NextRetryAt == nil || !st.NextRetryAt.After(now))
	case models.SyncUploading:
		return st.UpdatedAt.Before(staleBefore)
	default:
		return false
	}
}

func (m *Memory) ClaimSync(_ context.Context, executionID string, now time.Time, maxAttempts int, staleBefore time.Time) (models.WarehouseSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncs[executionID]
	if !ok {
		return models.WarehouseSyncState{}, models.ErrNotFound("sync state for execution %s not found", executionID)
	}
	if !syncClaimableAt(st, now, maxAttempts, staleBefore) {
		return models.WarehouseSyncState{}, models.ErrConflict("sync for execution %s is %s and not claimable", executionID, st.Status)
	}
	st.Status = models.SyncUploading
	st.UpdatedAt = now
	m.syncs[executionID] = st
	return st, nil
}

func (m *Memory) FinishSync(_ context.Context, executionID string, res models.SyncResult) (models.WarehouseSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncs[executionID]
	if !ok || st.Status != models.SyncUploading {
		return models.WarehouseSyncState{}, models.ErrConflict("sync for execution %s is not uploading", executionID)
	}
	st.Status = res.Status
	st.Attempts = res.Attempts
	st.LastError = res.LastError
	st.FirstFailedAt = res.FirstFailedAt
	st.NextRetryAt = res.NextRetryAt
	st.UploadedAt = res.UploadedAt
	st.RowsUploaded = res.RowsUploaded
	st.KeyColumns = slices.Clone(res.KeyColumns)
	if st.KeyColumns == nil {
		st.KeyColumns = []string{}
	}
	st.UpdatedAt = m.now()
	m.syncs[executionID] = st
	return st, nil
}

func (m *Memory) ResetSync(_ context.Context, executionID string) (models.WarehouseSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.syncs[executionID]
	if !ok {
		return models.WarehouseSyncState{}, models.ErrNotFound("sync state for execution %s not found", executionID)
	}
	if st.Status != models.SyncFailed {
		return models.WarehouseSyncState{}, models.ErrConflict("sync for execution %s is %s, only failed syncs can be retried", executionID, st.Status)
	}
	st.Status = models.SyncPending
	st.Attempts = 0
	st.LastError = nil
	st.FirstFailedAt = nil
	st.NextRetryAt = nil
	st.UpdatedAt = m.now()
	m.syncs[executionID] = st
	return st, nil
}

func (m *Memory) ListSyncsDue(_ context.Context, now time.Time, maxAttempts int, staleBefore time.Time) ([]models.WarehouseSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WarehouseSyncState
	for _, st := range m.syncs {
		if syncClaimableAt(st, now, maxAttempts, staleBefore) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
