package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"query-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type scanner interface {
	Scan(dest ...any) error
}

// --- credentials ---

func (s *Store) UpsertCredential(ctx context.Context, c models.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (principal_id, access_encrypted, refresh_encrypted, expires_at, reauth_required, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (principal_id) DO UPDATE
		SET access_encrypted = EXCLUDED.access_encrypted,
		    refresh_encrypted = EXCLUDED.refresh_encrypted,
		    expires_at = EXCLUDED.expires_at,
		    reauth_required = EXCLUDED.reauth_required,
		    updated_at = NOW()
	`, c.PrincipalID, c.AccessEncrypted, c.RefreshEncrypted, c.ExpiresAt.UTC(), c.ReauthRequired)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

const credentialColumns = `principal_id, access_encrypted, refresh_encrypted, expires_at, reauth_required, updated_at`

func scanCredential(row scanner) (models.Credential, error) {
	var c models.Credential
	var refresh pgtype.Text
	if err := row.Scan(&c.PrincipalID, &c.AccessEncrypted, &refresh, &c.ExpiresAt, &c.ReauthRequired, &c.UpdatedAt); err != nil {
		return models.Credential{}, err
	}
	c.RefreshEncrypted = textPtr(refresh)
	return c, nil
}

func (s *Store) GetCredential(ctx context.Context, principalID string) (models.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE principal_id = $1`, principalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, models.ErrConfiguration("no credential linked for principal %s", principalID)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListExpiringCredentials(ctx context.Context, before time.Time) ([]models.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE expires_at <= $1 AND NOT reauth_required AND refresh_encrypted IS NOT NULL
		ORDER BY expires_at
	`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expiring credentials: %w", err)
	}
	defer rows.Close()
	var out []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCredentialTokens(ctx context.Context, principalID, access string, refresh *string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials
		SET access_encrypted = $2, refresh_encrypted = COALESCE($3, refresh_encrypted), expires_at = $4,
		    reauth_required = FALSE, updated_at = NOW()
		WHERE principal_id = $1
	`, principalID, access, refresh, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound("credential for principal %s not found", principalID)
	}
	return nil
}

func (s *Store) MarkReauthRequired(ctx context.Context, principalID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credentials SET reauth_required = TRUE, updated_at = NOW() WHERE principal_id = $1
	`, principalID)
	if err != nil {
		return fmt.Errorf("mark reauth required: %w", err)
	}
	return nil
}

// --- warehouse configs ---

func (s *Store) UpsertWarehouseConfig(ctx context.Context, cfg models.WarehouseConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO warehouse_configs (principal_id, enabled, database, schema_name, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (principal_id) DO UPDATE
		SET enabled = EXCLUDED.enabled, database = EXCLUDED.database, schema_name = EXCLUDED.schema_name, updated_at = NOW()
	`, cfg.PrincipalID, cfg.Enabled, cfg.Database, cfg.Schema)
	if err != nil {
		return fmt.Errorf("upsert warehouse config: %w", err)
	}
	return nil
}

func (s *Store) GetWarehouseConfig(ctx context.Context, principalID string) (models.WarehouseConfig, error) {
	var cfg models.WarehouseConfig
	err := s.pool.QueryRow(ctx, `
		SELECT principal_id, enabled, database, schema_name, updated_at FROM warehouse_configs WHERE principal_id = $1
	`, principalID).Scan(&cfg.PrincipalID, &cfg.Enabled, &cfg.Database, &cfg.Schema, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WarehouseConfig{}, models.ErrNotFound("warehouse config for principal %s not found", principalID)
	}
	if err != nil {
		return models.WarehouseConfig{}, fmt.Errorf("scan warehouse config: %w", err)
	}
	return cfg, nil
}

// --- scheduled jobs ---

const scheduledJobColumns = `id, principal_id, name, query_id, query_sql, parameters, cron_expression, timezone, active,
	next_fire_at, last_fire_at, total_runs, success_runs, failed_runs, sync_enabled, sync_table, sync_key_policy,
	created_at, updated_at`

func scanScheduledJob(row scanner) (models.ScheduledJob, error) {
	var j models.ScheduledJob
	var params []byte
	var lastFire pgtype.Timestamptz
	var keyPolicy string
	if err := row.Scan(&j.ID, &j.PrincipalID, &j.Name, &j.Query.ID, &j.Query.SQL, &params, &j.CronExpr, &j.Timezone, &j.Active,
		&j.NextFireAt, &lastFire, &j.TotalRuns, &j.SuccessRuns, &j.FailedRuns, &j.Sync.Enabled, &j.Sync.Table, &keyPolicy,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.ScheduledJob{}, err
	}
	if err := json.Unmarshal(params, &j.Parameters); err != nil {
		return models.ScheduledJob{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	j.Sync.KeyPolicy = models.KeyPolicy(keyPolicy)
	j.LastFireAt = timePtr(lastFire)
	return j, nil
}

func (s *Store) CreateScheduledJob(ctx context.Context, j models.ScheduledJob) (models.ScheduledJob, error) {
	params, err := marshalParams(j.Parameters)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_jobs (id, principal_id, name, query_id, query_sql, parameters, cron_expression, timezone, active,
			next_fire_at, sync_enabled, sync_table, sync_key_policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING `+scheduledJobColumns,
		j.ID, j.PrincipalID, j.Name, j.Query.ID, j.Query.SQL, params, j.CronExpr, j.Timezone, j.Active,
		j.NextFireAt.UTC(), j.Sync.Enabled, j.Sync.Table, string(j.Sync.KeyPolicy))
	created, err := scanScheduledJob(row)
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("insert scheduled job: %w", err)
	}
	return created, nil
}

func (s *Store) GetScheduledJob(ctx context.Context, id string) (models.ScheduledJob, error) {
	j, err := scanScheduledJob(s.pool.QueryRow(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledJob{}, models.ErrNotFound("scheduled job %s not found", id)
	}
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("scan scheduled job: %w", err)
	}
	return j, nil
}

func (s *Store) queryScheduledJobs(ctx context.Context, sql string, args ...any) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled jobs: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) ListScheduledJobs(ctx context.Context, principalID string) ([]models.ScheduledJob, error) {
	return s.queryScheduledJobs(ctx, `
		SELECT `+scheduledJobColumns+` FROM scheduled_jobs
		WHERE ($1 = '' OR principal_id = $1) ORDER BY created_at
	`, principalID)
}

func (s *Store) ListDueScheduledJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	return s.queryScheduledJobs(ctx, `
		SELECT `+scheduledJobColumns+` FROM scheduled_jobs
		WHERE active AND next_fire_at <= $1 ORDER BY next_fire_at
	`, now.UTC())
}

func (s *Store) SetScheduledJobActive(ctx context.Context, id string, active bool, nextFire *time.Time) (models.ScheduledJob, error) {
	var next *time.Time
	if nextFire != nil {
		utc := nextFire.UTC()
		next = &utc
	}
	j, err := scanScheduledJob(s.pool.QueryRow(ctx, `
		UPDATE scheduled_jobs SET active = $2, next_fire_at = COALESCE($3, next_fire_at), updated_at = NOW()
		WHERE id = $1 AND active <> $2
		RETURNING `+scheduledJobColumns, id, active, next))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetScheduledJob(ctx, id); getErr != nil {
			return models.ScheduledJob{}, getErr
		}
		return models.ScheduledJob{}, models.ErrConflict("scheduled job %s already has active=%t", id, active)
	}
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("update scheduled job: %w", err)
	}
	return j, nil
}

func (s *Store) RecordScheduledRun(ctx context.Context, id string, expectedNextFire time.Time, outcome models.RunOutcome) error {
	var total, success, failed int
	var lastFire *time.Time
	if outcome.Counted {
		total = 1
		if outcome.Succeeded {
			success = 1
		} else {
			failed = 1
		}
		fired := outcome.FiredAt.UTC()
		lastFire = &fired
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET next_fire_at = $3, last_fire_at = COALESCE($4, last_fire_at),
		    total_runs = total_runs + $5, success_runs = success_runs + $6, failed_runs = failed_runs + $7,
		    updated_at = NOW()
		WHERE id = $1 AND next_fire_at = $2
	`, id, expectedNextFire.UTC(), outcome.NextFireAt.UTC(), lastFire, total, success, failed)
	if err != nil {
		return fmt.Errorf("record scheduled run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict("scheduled job %s next fire moved since %s", id, expectedNextFire.UTC().Format(time.RFC3339))
	}
	return nil
}

// --- executions ---

const executionColumns = `id, principal_id, origin, scheduled_job_id, backfill_segment_id, query_id, query_sql, parameters,
	sync_enabled, sync_table, sync_key_policy, external_id, status, created_at, submitted_at, started_at, completed_at,
	row_count, byte_size, result_location, error, retry_count, updated_at`

func scanExecution(row scanner) (models.Execution, error) {
	var e models.Execution
	var params []byte
	var scheduleID, segmentID, externalID, location, errMsg pgtype.Text
	var submitted, started, completed pgtype.Timestamptz
	var rowCount, byteSize pgtype.Int8
	var origin, status, keyPolicy string
	if err := row.Scan(&e.ID, &e.PrincipalID, &origin, &scheduleID, &segmentID, &e.Query.ID, &e.Query.SQL, &params,
		&e.Sync.Enabled, &e.Sync.Table, &keyPolicy, &externalID, &status, &e.CreatedAt, &submitted, &started, &completed,
		&rowCount, &byteSize, &location, &errMsg, &e.RetryCount, &e.UpdatedAt); err != nil {
		return models.Execution{}, err
	}
	if err := json.Unmarshal(params, &e.Parameters); err != nil {
		return models.Execution{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	e.Origin = models.Origin(origin)
	e.Status = models.ExecutionStatus(status)
	e.Sync.KeyPolicy = models.KeyPolicy(keyPolicy)
	e.ScheduledJobID = textPtr(scheduleID)
	e.BackfillSegmentID = textPtr(segmentID)
	e.ExternalID = textPtr(externalID)
	e.ResultLocation = textPtr(location)
	e.Error = textPtr(errMsg)
	e.SubmittedAt = timePtr(submitted)
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	e.RowCount = int8Ptr(rowCount)
	e.ByteSize = int8Ptr(byteSize)
	return e, nil
}

const insertExecutionSQL = `
	INSERT INTO executions (id, principal_id, origin, scheduled_job_id, backfill_segment_id, query_id, query_sql, parameters,
		sync_enabled, sync_table, sync_key_policy, status, retry_count, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	RETURNING ` + executionColumns

func insertExecutionArgs(e models.Execution) ([]any, error) {
	params, err := marshalParams(e.Parameters)
	if err != nil {
		return nil, err
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []any{e.ID, e.PrincipalID, string(e.Origin), e.ScheduledJobID, e.BackfillSegmentID, e.Query.ID, e.Query.SQL, params,
		e.Sync.Enabled, e.Sync.Table, string(e.Sync.KeyPolicy), string(models.ExecutionPending), e.RetryCount, created.UTC()}, nil
}

func (s *Store) CreateExecution(ctx context.Context, e models.Execution) (models.Execution, error) {
	args, err := insertExecutionArgs(e)
	if err != nil {
		return models.Execution{}, err
	}
	created, err := scanExecution(s.pool.QueryRow(ctx, insertExecutionSQL, args...))
	if err != nil {
		return models.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	return created, nil
}

// CreateScheduledExecution inserts e unless its scheduled job already produced
// an execution after since. The advisory lock serializes concurrent dispatchers
// for the same job.
func (s *Store) CreateScheduledExecution(ctx context.Context, e models.Execution, since time.Time) (models.Execution, bool, error) {
	if e.ScheduledJobID == nil {
		return models.Execution{}, false, models.ErrValidation("scheduled execution requires a scheduled job id")
	}
	args, err := insertExecutionArgs(e)
	if err != nil {
		return models.Execution{}, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, *e.ScheduledJobID); err != nil {
		return models.Execution{}, false, fmt.Errorf("lock scheduled job: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM executions WHERE scheduled_job_id = $1 AND created_at > $2)
	`, *e.ScheduledJobID, since.UTC()).Scan(&exists); err != nil {
		return models.Execution{}, false, fmt.Errorf("check recent executions: %w", err)
	}
	if exists {
		return models.Execution{}, false, nil
	}
	created, err := scanExecution(tx.QueryRow(ctx, insertExecutionSQL, args...))
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("insert execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Execution{}, false, fmt.Errorf("commit: %w", err)
	}
	return created, true, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, models.ErrNotFound("execution %s not found", id)
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	return e, nil
}

func (s *Store) queryExecutions(ctx context.Context, sql string, args ...any) ([]models.Execution, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()
	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListExecutions(ctx context.Context, f models.ExecutionFilter) ([]models.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE ($1 = '' OR principal_id = $1)
		  AND ($2 = '' OR scheduled_job_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.PrincipalID, f.ScheduledJobID, string(f.Status), limit)
}

func (s *Store) ListInFlightExecutions(ctx context.Context) ([]models.Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status = ANY($1) AND external_id IS NOT NULL
		ORDER BY submitted_at
	`, []string{string(models.ExecutionPending), string(models.ExecutionRunning)})
}

func (s *Store) MarkExecutionSubmitted(ctx context.Context, id, externalID string, at time.Time) (models.Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, `
		UPDATE executions
		SET status = $2, external_id = $3, submitted_at = $4, started_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND external_id IS NULL
		RETURNING `+executionColumns,
		id, string(models.ExecutionRunning), externalID, at.UTC(), string(models.ExecutionPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, s.executionConflict(ctx, id, models.ExecutionPending, models.ExecutionRunning)
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("mark execution submitted: %w", err)
	}
	return e, nil
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from, to models.ExecutionStatus, upd models.ExecutionUpdate) (models.Execution, error) {
	if !models.CanTransition(from, to) {
		return models.Execution{}, models.ErrConflict("illegal execution transition %s -> %s", from, to)
	}
	e, err := scanExecution(s.pool.QueryRow(ctx, `
		UPDATE executions
		SET status = $3,
		    started_at = COALESCE($4, started_at),
		    completed_at = COALESCE($5, completed_at),
		    row_count = COALESCE($6, row_count),
		    byte_size = COALESCE($7, byte_size),
		    result_location = COALESCE($8, result_location),
		    error = COALESCE($9, error),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+executionColumns,
		id, string(from), string(to), upd.StartedAt, upd.CompletedAt, upd.RowCount, upd.ByteSize, upd.ResultLocation, upd.Error))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, s.executionConflict(ctx, id, from, to)
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("transition execution: %w", err)
	}
	return e, nil
}

func (s *Store) executionConflict(ctx context.Context, id string, from, to models.ExecutionStatus) error {
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return models.ErrConflict("execution %s is %s, cannot move %s -> %s", id, current.Status, from, to)
}

// --- backfill ---

const backfillRunColumns = `id, principal_id, query_id, query_sql, parameters, start_date, end_date, segment_days, max_retries,
	sync_enabled, sync_table, sync_key_policy, status, total_segments, pending_count, running_count, success_count,
	failed_count, created_at, updated_at`

func scanBackfillRun(row scanner) (models.BackfillRun, error) {
	var r models.BackfillRun
	var params []byte
	var keyPolicy, status string
	var start, end pgtype.Date
	if err := row.Scan(&r.ID, &r.PrincipalID, &r.Query.ID, &r.Query.SQL, &params, &start, &end, &r.SegmentDays, &r.MaxRetries,
		&r.Sync.Enabled, &r.Sync.Table, &keyPolicy, &status, &r.Progress.Total, &r.Progress.Pending, &r.Progress.Running,
		&r.Progress.Succeeded, &r.Progress.Failed, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.BackfillRun{}, err
	}
	if err := json.Unmarshal(params, &r.Parameters); err != nil {
		return models.BackfillRun{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	r.StartDate = start.Time
	r.EndDate = end.Time
	r.Sync.KeyPolicy = models.KeyPolicy(keyPolicy)
	r.Status = models.BackfillStatus(status)
	return r, nil
}

const segmentColumns = `id, run_id, sequence, start_date, end_date, status, execution_id, retry_count, error, updated_at`

func scanSegment(row scanner) (models.BackfillSegment, error) {
	var seg models.BackfillSegment
	var status string
	var start, end pgtype.Date
	var execID, errMsg pgtype.Text
	if err := row.Scan(&seg.ID, &seg.RunID, &seg.Sequence, &start, &end, &status, &execID, &seg.RetryCount, &errMsg, &seg.UpdatedAt); err != nil {
		return models.BackfillSegment{}, err
	}
	seg.StartDate = start.Time
	seg.EndDate = end.Time
	seg.Status = models.SegmentStatus(status)
	seg.ExecutionID = textPtr(execID)
	seg.Error = textPtr(errMsg)
	return seg, nil
}

func (s *Store) CreateBackfillRun(ctx context.Context, run models.BackfillRun, segments []models.BackfillSegment) (models.BackfillRun, error) {
	params, err := marshalParams(run.Parameters)
	if err != nil {
		return models.BackfillRun{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.BackfillRun{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	created, err := scanBackfillRun(tx.QueryRow(ctx, `
		INSERT INTO backfill_runs (id, principal_id, query_id, query_sql, parameters, start_date, end_date, segment_days, max_retries,
			sync_enabled, sync_table, sync_key_policy, status, total_segments, pending_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14, NOW(), NOW())
		RETURNING `+backfillRunColumns,
		run.ID, run.PrincipalID, run.Query.ID, run.Query.SQL, params, dateArg(run.StartDate), dateArg(run.EndDate), run.SegmentDays,
		run.MaxRetries, run.Sync.Enabled, run.Sync.Table, string(run.Sync.KeyPolicy), string(models.BackfillActive), len(segments)))
	if err != nil {
		return models.BackfillRun{}, fmt.Errorf("insert backfill run: %w", err)
	}

	batch := &pgx.Batch{}
	for _, seg := range segments {
		batch.Queue(`
			INSERT INTO backfill_segments (id, run_id, sequence, start_date, end_date, status, retry_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
		`, seg.ID, run.ID, seg.Sequence, dateArg(seg.StartDate), dateArg(seg.EndDate), string(models.SegmentPending))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return models.BackfillRun{}, fmt.Errorf("insert backfill segments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.BackfillRun{}, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (s *Store) GetBackfillRun(ctx context.Context, id string) (models.BackfillRun, error) {
	r, err := scanBackfillRun(s.pool.QueryRow(ctx, `SELECT `+backfillRunColumns+` FROM backfill_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BackfillRun{}, models.ErrNotFound("backfill run %s not found", id)
	}
	if err != nil {
		return models.BackfillRun{}, fmt.Errorf("scan backfill run: %w", err)
	}
	return r, nil
}

func (s *Store) queryBackfillRuns(ctx context.Context, sql string, args ...any) ([]models.BackfillRun, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query backfill runs: %w", err)
	}
	defer rows.Close()
	var out []models.BackfillRun
	for rows.Next() {
		r, err := scanBackfillRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backfill run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListBackfillRuns(ctx context.Context, principalID string) ([]models.BackfillRun, error) {
	return s.queryBackfillRuns(ctx, `
		SELECT `+backfillRunColumns+` FROM backfill_runs WHERE ($1 = '' OR principal_id = $1) ORDER BY created_at DESC
	`, principalID)
}

func (s *Store) ListActiveBackfillRuns(ctx context.Context, limit int) ([]models.BackfillRun, error) {
	return s.queryBackfillRuns(ctx, `
		SELECT `+backfillRunColumns+` FROM backfill_runs WHERE status = $1 ORDER BY created_at LIMIT $2
	`, string(models.BackfillActive), limit)
}

func (s *Store) ListSegments(ctx context.Context, runID string, status models.SegmentStatus, limit int) ([]models.BackfillSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+segmentColumns+` FROM backfill_segments
		WHERE run_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY sequence
		LIMIT NULLIF($3::int, 0)
	`, runID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()
	var out []models.BackfillSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *Store) ClaimSegment(ctx context.Context, segmentID, executionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backfill_segments SET status = $3, execution_id = $2, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, segmentID, executionID, string(models.SegmentRunning), string(models.SegmentPending))
	if err != nil {
		return fmt.Errorf("claim segment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict("segment %s is not pending", segmentID)
	}
	return nil
}

func (s *Store) UpdateSegment(ctx context.Context, segmentID, executionID string, upd models.SegmentUpdate) error {
	var sql string
	var args []any
	if upd.Retry {
		sql = `
			UPDATE backfill_segments
			SET status = $3, retry_count = retry_count + 1, execution_id = NULL, error = $4, updated_at = NOW()
			WHERE id = $1 AND execution_id = $2 AND status = $5`
		args = []any{segmentID, executionID, string(models.SegmentPending), upd.Error, string(models.SegmentRunning)}
	} else {
		sql = `
			UPDATE backfill_segments SET status = $3, error = $4, updated_at = NOW()
			WHERE id = $1 AND execution_id = $2 AND status = $5`
		args = []any{segmentID, executionID, string(upd.Status), upd.Error, string(models.SegmentRunning)}
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict("segment %s is not running execution %s", segmentID, executionID)
	}
	return nil
}

func (s *Store) ResetFailedSegments(ctx context.Context, runID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backfill_segments
		SET status = $2, retry_count = 0, execution_id = NULL, error = NULL, updated_at = NOW()
		WHERE run_id = $1 AND status = ANY($3)
	`, runID, string(models.SegmentPending), segmentStrings(failedSegmentStatuses()))
	if err != nil {
		return 0, fmt.Errorf("reset failed segments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RecomputeBackfillProgress(ctx context.Context, runID string) (models.BackfillProgress, error) {
	var p models.BackfillProgress
	err := s.pool.QueryRow(ctx, `
		WITH c AS (
			SELECT COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE status = $2) AS pending,
			       COUNT(*) FILTER (WHERE status = $3) AS running,
			       COUNT(*) FILTER (WHERE status = $4) AS succeeded,
			       COUNT(*) FILTER (WHERE status = ANY($5)) AS failed
			FROM backfill_segments WHERE run_id = $1
		)
		UPDATE backfill_runs r
		SET total_segments = c.total, pending_count = c.pending, running_count = c.running,
		    success_count = c.succeeded, failed_count = c.failed, updated_at = NOW()
		FROM c
		WHERE r.id = $1
		RETURNING r.total_segments, r.pending_count, r.running_count, r.success_count, r.failed_count
	`, runID, string(models.SegmentPending), string(models.SegmentRunning), string(models.SegmentSuccess),
		segmentStrings(failedSegmentStatuses())).Scan(&p.Total, &p.Pending, &p.Running, &p.Succeeded, &p.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BackfillProgress{}, models.ErrNotFound("backfill run %s not found", runID)
	}
	if err != nil {
		return models.BackfillProgress{}, fmt.Errorf("recompute progress: %w", err)
	}
	return p, nil
}

func (s *Store) TransitionBackfillRun(ctx context.Context, runID string, from []models.BackfillStatus, to models.BackfillStatus) (models.BackfillRun, error) {
	froms := make([]string, 0, len(from))
	for _, f := range from {
		froms = append(froms, string(f))
	}
	r, err := scanBackfillRun(s.pool.QueryRow(ctx, `
		UPDATE backfill_runs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+backfillRunColumns, runID, string(to), froms))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetBackfillRun(ctx, runID)
		if getErr != nil {
			return models.BackfillRun{}, getErr
		}
		return models.BackfillRun{}, models.ErrConflict("backfill run %s is %s, cannot move to %s", runID, current.Status, to)
	}
	if err != nil {
		return models.BackfillRun{}, fmt.Errorf("transition backfill run: %w", err)
	}
	return r, nil
}

// --- warehouse sync ---

const syncColumns = `execution_id, status, attempts, last_error, first_failed_at, next_retry_at, uploaded_at, rows_uploaded,
	key_columns, created_at, updated_at`

func scanSync(row scanner) (models.WarehouseSyncState, error) {
	var st models.WarehouseSyncState
	var status string
	var lastErr pgtype.Text
	var firstFailed, nextRetry, uploaded pgtype.Timestamptz
	if err := row.Scan(&st.ExecutionID, &status, &st.Attempts, &lastErr, &firstFailed, &nextRetry, &uploaded, &st.RowsUploaded,
		&st.KeyColumns, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return models.WarehouseSyncState{}, err
	}
	st.Status = models.SyncStatus(status)
	st.LastError = textPtr(lastErr)
	st.FirstFailedAt = timePtr(firstFailed)
	st.NextRetryAt = timePtr(nextRetry)
	st.UploadedAt = timePtr(uploaded)
	return st, nil
}

func (s *Store) CreateSyncState(ctx context.Context, executionID string) (models.WarehouseSyncState, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO warehouse_sync_states (execution_id, status, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (execution_id) DO NOTHING
	`, executionID, string(models.SyncPending))
	if err != nil {
		return models.WarehouseSyncState{}, false, fmt.Errorf("insert sync state: %w", err)
	}
	st, err := s.GetSyncState(ctx, executionID)
	if err != nil {
		return models.WarehouseSyncState{}, false, err
	}
	return st, tag.RowsAffected() == 1, nil
}

func (s *Store) GetSyncState(ctx context.Context, executionID string) (models.WarehouseSyncState, error) {
	st, err := scanSync(s.pool.QueryRow(ctx, `SELECT `+syncColumns+` FROM warehouse_sync_states WHERE execution_id = $1`, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WarehouseSyncState{}, models.ErrNotFound("sync state for execution %s not found", executionID)
	}
	if err != nil {
		return models.WarehouseSyncState{}, fmt.Errorf("scan sync state: %w", err)
	}
	return st, nil
}

// syncClaimable selects states a sync worker may take over: pending, failed
// with attempts left and the retry time reached, or uploading with a stale lease.
// The arguments are the placeholders for now, max attempts and stale cutoff.
func syncClaimable(now, maxAttempts, staleBefore string) string {
	return fmt.Sprintf(`(
	status = 'pending'
	OR (status = 'failed' AND attempts < %[2]s AND (next_retry_at IS NULL OR next_retry_at <= %[1]s))
	OR (status = 'uploading' AND updated_at < %[3]s)
)`, now, maxAttempts, staleBefore)
}

func (s *Store) ClaimSync(ctx context.Context, executionID string, now time.Time, maxAttempts int, staleBefore time.Time) (models.WarehouseSyncState, error) {
	st, err := scanSync(s.pool.QueryRow(ctx, `
		UPDATE warehouse_sync_states SET status = 'uploading', updated_at = $2
		WHERE execution_id = $1 AND `+syncClaimable("$2", "$3", "$4")+`
		RETURNING `+syncColumns, executionID, now.UTC(), maxAttempts, staleBefore.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetSyncState(ctx, executionID)
		if getErr != nil {
			return models.WarehouseSyncState{}, getErr
		}
		return models.WarehouseSyncState{}, models.ErrConflict("sync for execution %s is %s and not claimable", executionID, current.Status)
	}
	if err != nil {
		return models.WarehouseSyncState{}, fmt.Errorf("claim sync: %w", err)
	}
	return st, nil
}

func (s *Store) FinishSync(ctx context.Context, executionID string, res models.SyncResult) (models.WarehouseSyncState, error) {
	keys := res.KeyColumns
	if keys == nil {
		keys = []string{}
	}
	st, err := scanSync(s.pool.QueryRow(ctx, `
		UPDATE warehouse_sync_states
		SET status = $2, attempts = $3, last_error = $4, first_failed_at = $5, next_retry_at = $6, uploaded_at = $7,
		    rows_uploaded = $8, key_columns = $9, updated_at = NOW()
		WHERE execution_id = $1 AND status = 'uploading'
		RETURNING `+syncColumns,
		executionID, string(res.Status), res.Attempts, res.LastError, res.FirstFailedAt, res.NextRetryAt, res.UploadedAt,
		res.RowsUploaded, keys))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WarehouseSyncState{}, models.ErrConflict("sync for execution %s is not uploading", executionID)
	}
	if err != nil {
		return models.WarehouseSyncState{}, fmt.Errorf("finish sync: %w", err)
	}
	return st, nil
}

func (s *Store) ResetSync(ctx context.Context, executionID string) (models.WarehouseSyncState, error) {
	st, err := scanSync(s.pool.QueryRow(ctx, `
		UPDATE warehouse_sync_states
		SET status = 'pending', attempts = 0, last_error = NULL, first_failed_at = NULL, next_retry_at = NULL, updated_at = NOW()
		WHERE execution_id = $1 AND status = 'failed'
		RETURNING `+syncColumns, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetSyncState(ctx, executionID)
		if getErr != nil {
			return models.WarehouseSyncState{}, getErr
		}
		return models.WarehouseSyncState{}, models.ErrConflict("sync for execution %s is %s, only failed syncs can be retried", executionID, current.Status)
	}
	if err != nil {
		return models.WarehouseSyncState{}, fmt.Errorf("reset sync: %w", err)
	}
	return st, nil
}

func (s *Store) ListSyncsDue(ctx context.Context, now time.Time, maxAttempts int, staleBefore time.Time) ([]models.WarehouseSyncState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+syncColumns+` FROM warehouse_sync_states
		WHERE `+syncClaimable("$1", "$2", "$3")+`
		ORDER BY updated_at
		LIMIT 500
	`, now.UTC(), maxAttempts, staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due syncs: %w", err)
	}
	defer rows.Close()
	var out []models.WarehouseSyncState
	for rows.Next() {
		st, err := scanSync(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- helpers ---

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return b, nil
}

func dateArg(t time.Time) pgtype.Date {
	return pgtype.Date{Time: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), Valid: true}
}

func segmentStrings(statuses []models.SegmentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func int8Ptr(v pgtype.Int8) *int64 {
	if v.Valid {
		n := v.Int64
		return &n
	}
	return nil
}
