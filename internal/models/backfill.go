package models

import (
	"time"
)

// BackfillStatus enumerates BackfillRun states.
type BackfillStatus string

const (
	BackfillActive    BackfillStatus = "active"
	BackfillPaused    BackfillStatus = "paused"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// SegmentStatus mirrors Execution granularity for a backfill segment.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentRunning   SegmentStatus = "running"
	SegmentSuccess   SegmentStatus = "success"
	SegmentFailed    SegmentStatus = "failed"
	SegmentCancelled SegmentStatus = "cancelled"
	SegmentTimedOut  SegmentStatus = "timed_out"
)

// DateLayout is the calendar date format used for backfill ranges.
const DateLayout = "2006-01-02"

// Window parameter names attached to backfill executions.
const (
	ParamWindowStart = "time_window_start"
	ParamWindowEnd   = "time_window_end"
	ParamWeekStart   = "week_start"
)

// BackfillProgress holds aggregate segment counters, recomputed from segment rows.
type BackfillProgress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Percent returns the share of segments that finished successfully.
func (p BackfillProgress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Succeeded) * 100 / float64(p.Total)
}

// BackfillRun is a historical date range decomposed into fixed-size segments.
type BackfillRun struct {
	ID          string           `json:"id"`
	PrincipalID string           `json:"principal_id"`
	Query       QueryDefinition  `json:"query"`
	Parameters  map[string]any   `json:"parameters"`
	StartDate   time.Time        `json:"start_date"`
	EndDate     time.Time        `json:"end_date"`
	SegmentDays int              `json:"segment_days"`
	MaxRetries  int              `json:"max_retries"`
	Sync        SyncDirective    `json:"sync"`
	Status      BackfillStatus   `json:"status"`
	Progress    BackfillProgress `json:"progress"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// BackfillSegment is one independently executed slice of a BackfillRun.
type BackfillSegment struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Sequence    int           `json:"sequence"`
	StartDate   time.Time     `json:"start_date"`
	EndDate     time.Time     `json:"end_date"`
	Status      SegmentStatus `json:"status"`
	ExecutionID *string       `json:"execution_id,omitempty"`
	RetryCount  int           `json:"retry_count"`
	Error       *string       `json:"error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SegmentUpdate settles a running segment once its execution is terminal.
type SegmentUpdate struct {
	Status SegmentStatus
	Error  *string
	// Retry returns the segment to pending with its retry counter incremented.
	Retry bool
}

// SegmentStatusFor maps a terminal execution status onto a segment status.
func SegmentStatusFor(s ExecutionStatus) SegmentStatus {
	switch s {
	case ExecutionSuccess:
		return SegmentSuccess
	case ExecutionCancelled:
		return SegmentCancelled
	case ExecutionTimedOut:
		return SegmentTimedOut
	case ExecutionFailed:
		return SegmentFailed
	case ExecutionRunning:
		return SegmentRunning
	default:
		return SegmentPending
	}
}
