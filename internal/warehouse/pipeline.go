// Package warehouse replicates successful execution results into the
// principal's analytical warehouse with composite-key upserts.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"query-orchestrator/internal/models"
	"query-orchestrator/internal/telemetry"
)

type Store interface {
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	GetWarehouseConfig(ctx context.Context, principalID string) (models.WarehouseConfig, error)
	CreateSyncState(ctx context.Context, executionID string) (models.WarehouseSyncState, bool, error)
	ClaimSync(ctx context.Context, executionID string, now time.Time, maxAttempts int, staleBefore time.Time) (models.WarehouseSyncState, error)
	FinishSync(ctx context.Context, executionID string, res models.SyncResult) (models.WarehouseSyncState, error)
	ResetSync(ctx context.Context, executionID string) (models.WarehouseSyncState, error)
	ListSyncsDue(ctx context.Context, now time.Time, maxAttempts int, staleBefore time.Time) ([]models.WarehouseSyncState, error)
}

type Results interface {
	Fetch(ctx context.Context, location string) (models.ResultSet, error)
}

// Warehouse is the upload target.
type Warehouse interface {
	Upsert(ctx context.Context, cfg models.WarehouseConfig, t Table) (Upload, error)
	Ping(ctx context.Context, cfg models.WarehouseConfig) error
}

// Queue delivers sync tasks to workers, at or after runAt.
type Queue interface {
	Enqueue(ctx context.Context, executionID string, runAt time.Time) error
}

type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	// Lease is how long an upload may stay Uploading before another worker
	// may reclaim it.
	Lease time.Duration
}

// Pipeline owns WarehouseSyncState. It never changes the parent execution.
type Pipeline struct {
	store     Store
	results   Results
	warehouse Warehouse
	queue     Queue
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewPipeline(store Store, results Results, warehouse Warehouse, queue Queue, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Pipeline{
		store:     store,
		results:   results,
		warehouse: warehouse,
		queue:     queue,
		cfg:       cfg,
		logger:    logger.Named("warehouse"),
		now:       time.Now,
	}
}

// Enqueue records a Pending sync for a successful execution and queues it.
// Calling it again for the same execution is a no-op.
func (p *Pipeline) Enqueue(ctx context.Context, executionID string) error {
	st, created, err := p.store.CreateSyncState(ctx, executionID)
	if err != nil {
		return fmt.Errorf("create sync state: %w", err)
	}
	if !created && st.Status != models.SyncPending {
		return nil
	}
	if err := p.queue.Enqueue(ctx, executionID, p.now()); err != nil {
		// The reconcile loop picks up Pending states the queue missed.
		p.logger.Warn("queue sync", zap.String("execution_id", executionID), zap.Error(err))
	}
	return nil
}

// Backoff returns the delay before the retry following the given failed
// attempt: base, 2*base, 4*base and so on.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	return base << (attempt - 1)
}

// Sync performs one upload attempt. Upload failures are recorded on the sync
// state and scheduled for retry; the returned error reports only failures to
// reach the store, after which the task should be redelivered.
func (p *Pipeline) Sync(ctx context.Context, executionID string) error {
	log := p.logger.With(zap.String("execution_id", executionID))
	now := p.now().UTC()

	st, err := p.store.ClaimSync(ctx, executionID, now, p.cfg.MaxAttempts, now.Add(-p.cfg.Lease))
	if models.IsConflict(err) || models.IsNotFound(err) {
		log.Debug("sync not claimable", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim sync: %w", err)
	}

	e, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return p.failed(ctx, log, st, fmt.Errorf("load execution: %w", err))
	}
	cfg, err := p.store.GetWarehouseConfig(ctx, e.PrincipalID)
	if err != nil && !models.IsNotFound(err) {
		return p.failed(ctx, log, st, fmt.Errorf("load warehouse config: %w", err))
	}
	if err != nil || !cfg.Enabled || !e.Sync.Enabled {
		return p.skipped(ctx, log, executionID)
	}

	up, key, err := p.upload(ctx, e, cfg)
	if err != nil {
		return p.failed(ctx, log, st, err)
	}
	rows := up.Rows
	uploadedAt := p.now().UTC()
	if _, err := p.store.FinishSync(ctx, executionID, models.SyncResult{
		Status:        models.SyncUploaded,
		Attempts:      st.Attempts,
		FirstFailedAt: st.FirstFailedAt,
		UploadedAt:    &uploadedAt,
		RowsUploaded:  rows,
		KeyColumns:    up.KeyColumns,
	}); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	telemetry.WarehouseSyncs.WithLabelValues(string(models.SyncUploaded)).Inc()
	telemetry.WarehouseRowsUploaded.Add(float64(rows))
	log.Info("results uploaded", zap.Int64("rows", rows), zap.String("key_source", string(key.Source)), zap.String("table", e.Sync.Table))
	return nil
}

func (p *Pipeline) upload(ctx context.Context, e models.Execution, cfg models.WarehouseConfig) (Upload, Key, error) {
	if e.Status != models.ExecutionSuccess {
		return Upload{}, Key{}, fmt.Errorf("execution is %s, not success", e.Status)
	}
	if e.ResultLocation == nil {
		return Upload{}, Key{}, errors.New("execution has no result location")
	}
	rs, err := p.results.Fetch(ctx, *e.ResultLocation)
	if err != nil {
		return Upload{}, Key{}, fmt.Errorf("fetch results: %w", err)
	}
	key := DeriveKey(e, rs)
	up, err := p.warehouse.Upsert(ctx, cfg, Transform(e, rs, key))
	if err != nil {
		return Upload{}, key, fmt.Errorf("upsert into %s: %w", e.Sync.Table, err)
	}
	return up, key, nil
}

func (p *Pipeline) skipped(ctx context.Context, log *zap.Logger, executionID string) error {
	if _, err := p.store.FinishSync(ctx, executionID, models.SyncResult{Status: models.SyncSkipped}); err != nil {
		return fmt.Errorf("record skip: %w", err)
	}
	telemetry.WarehouseSyncs.WithLabelValues(string(models.SyncSkipped)).Inc()
	log.Info("sync skipped, no active warehouse configuration")
	return nil
}

// failed records a failed attempt and schedules the next one while attempts
// remain. Configuration errors use up the remaining attempts.
func (p *Pipeline) failed(ctx context.Context, log *zap.Logger, st models.WarehouseSyncState, cause error) error {
	now := p.now().UTC()
	msg := cause.Error()
	res := models.SyncResult{
		Status:        models.SyncFailed,
		Attempts:      st.Attempts + 1,
		LastError:     &msg,
		FirstFailedAt: st.FirstFailedAt,
	}
	if res.FirstFailedAt == nil {
		res.FirstFailedAt = &now
	}
	if models.IsConfiguration(cause) && res.Attempts < p.cfg.MaxAttempts {
		res.Attempts = p.cfg.MaxAttempts
	}
	if res.Attempts < p.cfg.MaxAttempts {
		next := now.Add(Backoff(p.cfg.BackoffBase, res.Attempts))
		res.NextRetryAt = &next
	}
	if _, err := p.store.FinishSync(ctx, st.ExecutionID, res); err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	telemetry.WarehouseSyncs.WithLabelValues(string(models.SyncFailed)).Inc()
	if res.NextRetryAt == nil {
		log.Error("sync failed, attempts exhausted", zap.Int("attempts", res.Attempts), zap.Error(cause))
		return nil
	}
	log.Warn("sync failed, retry scheduled", zap.Int("attempts", res.Attempts), zap.Time("next_retry_at", *res.NextRetryAt), zap.Error(cause))
	if err := p.queue.Enqueue(ctx, st.ExecutionID, *res.NextRetryAt); err != nil {
		log.Warn("queue sync retry", zap.Error(err))
	}
	return nil
}

// RetrySync resets a Failed sync to Pending with zero attempts and queues it.
func (p *Pipeline) RetrySync(ctx context.Context, executionID string) (models.WarehouseSyncState, error) {
	st, err := p.store.ResetSync(ctx, executionID)
	if err != nil {
		return models.WarehouseSyncState{}, err
	}
	if err := p.queue.Enqueue(ctx, executionID, p.now()); err != nil {
		p.logger.Warn("queue manual retry", zap.String("execution_id", executionID), zap.Error(err))
	}
	p.logger.Info("sync retry requested", zap.String("execution_id", executionID))
	return st, nil
}

// Reconcile queues every sync that is Pending, Failed and due for retry, or
// Uploading past its lease. It returns how many were queued.
func (p *Pipeline) Reconcile(ctx context.Context) (int, error) {
	now := p.now().UTC()
	due, err := p.store.ListSyncsDue(ctx, now, p.cfg.MaxAttempts, now.Add(-p.cfg.Lease))
	if err != nil {
		return 0, fmt.Errorf("list due syncs: %w", err)
	}
	n := 0
	for _, st := range due {
		if err := p.queue.Enqueue(ctx, st.ExecutionID, now); err != nil {
			return n, fmt.Errorf("queue sync %s: %w", st.ExecutionID, err)
		}
		n++
	}
	if n > 0 {
		p.logger.Info("syncs requeued", zap.Int("count", n))
	}
	return n, nil
}

// TestConnection checks that cfg's warehouse is reachable.
func (p *Pipeline) TestConnection(ctx context.Context, cfg models.WarehouseConfig) error {
	err := p.warehouse.Ping(ctx, cfg)
	if err != nil && !models.IsConfiguration(err) {
		return &models.TransientError{Kind: models.TransientNetwork, Err: err}
	}
	return err
}
