package models

import (
	"time"
)

// SyncStatus enumerates WarehouseSyncState states.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncUploading SyncStatus = "uploading"
	SyncUploaded  SyncStatus = "uploaded"
	SyncFailed    SyncStatus = "failed"
	SyncSkipped   SyncStatus = "skipped"
)

// WarehouseSyncState tracks replication of one successful Execution.
type WarehouseSyncState struct {
	ExecutionID   string     `json:"execution_id"`
	Status        SyncStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	FirstFailedAt *time.Time `json:"first_failed_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	UploadedAt    *time.Time `json:"uploaded_at,omitempty"`
	RowsUploaded  int64      `json:"rows_uploaded"`
	KeyColumns    []string   `json:"key_columns,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SyncResult is written when an upload attempt finishes.
type SyncResult struct {
	Status        SyncStatus
	Attempts      int
	LastError     *string
	FirstFailedAt *time.Time
	NextRetryAt   *time.Time
	UploadedAt    *time.Time
	RowsUploaded  int64
	KeyColumns    []string
}

// WarehouseConfig holds the warehouse target of one principal.
type WarehouseConfig struct {
	PrincipalID string    `json:"principal_id"`
	Enabled     bool      `json:"enabled"`
	Database    string    `json:"database"`
	Schema      string    `json:"schema"`
	UpdatedAt   time.Time `json:"updated_at"`
}
