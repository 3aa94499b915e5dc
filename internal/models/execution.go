package models

import (
	"time"
)

// ExecutionStatus enumerates Execution lifecycle states persisted in the store.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// Terminal reports whether no further transition is permitted from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionRunning: {ExecutionSuccess, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut},
}

// CanTransition reports whether an Execution may move from one status to another.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Origin identifies what produced an Execution.
type Origin string

const (
	OriginScheduled Origin = "scheduled"
	OriginBackfill  Origin = "backfill"
	OriginAdhoc     Origin = "adhoc"
)

// Execution is one run of a query against the external platform.
type Execution struct {
	ID                string          `json:"id"`
	PrincipalID       string          `json:"principal_id"`
	Origin            Origin          `json:"origin"`
	ScheduledJobID    *string         `json:"scheduled_job_id,omitempty"`
	BackfillSegmentID *string         `json:"backfill_segment_id,omitempty"`
	Query             QueryDefinition `json:"query"`
	Parameters        map[string]any  `json:"parameters"`
	Sync              SyncDirective   `json:"sync"`
	ExternalID        *string         `json:"external_id,omitempty"`
	Status            ExecutionStatus `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	SubmittedAt       *time.Time      `json:"submitted_at,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	RowCount          *int64          `json:"row_count,omitempty"`
	ByteSize          *int64          `json:"byte_size,omitempty"`
	ResultLocation    *string         `json:"result_location,omitempty"`
	Error             *string         `json:"error,omitempty"`
	RetryCount        int             `json:"retry_count"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ExecutionUpdate carries the fields written alongside a status transition.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	StartedAt      *time.Time
	CompletedAt    *time.Time
	RowCount       *int64
	ByteSize       *int64
	ResultLocation *string
	Error          *string
}

// ExecutionFilter narrows execution listings for read views.
type ExecutionFilter struct {
	PrincipalID    string
	ScheduledJobID string
	Status         ExecutionStatus
	Limit          int
}
