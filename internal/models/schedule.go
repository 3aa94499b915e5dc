package models

import (
	"regexp"
	"time"
)

// QueryDefinition identifies the query submitted to the execution platform.
type QueryDefinition struct {
	ID  string `json:"id"`
	SQL string `json:"sql"`
}

// KeyPolicy selects how the warehouse composite key is derived.
type KeyPolicy string

const (
	// KeyPolicyAuto derives the key from window fields, week fields or date columns.
	KeyPolicyAuto KeyPolicy = "auto"
	// KeyPolicyExecutionID keys rows by execution id only.
	KeyPolicyExecutionID KeyPolicy = "execution_id"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

// ValidIdentifier reports whether name is safe to use as an unquoted SQL identifier.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// SyncDirective declares whether successful results are replicated to the warehouse.
type SyncDirective struct {
	Enabled   bool      `json:"enabled"`
	Table     string    `json:"table,omitempty"`
	KeyPolicy KeyPolicy `json:"key_policy,omitempty"`
}

// Validate checks the directive is usable at execution time.
func (d SyncDirective) Validate() error {
	if !d.Enabled {
		return nil
	}
	if !ValidIdentifier(d.Table) {
		return ErrValidation("invalid sync table name %q", d.Table)
	}
	switch d.KeyPolicy {
	case "", KeyPolicyAuto, KeyPolicyExecutionID:
		return nil
	default:
		return ErrValidation("unknown key policy %q", d.KeyPolicy)
	}
}

// ScheduledJob is a recurring job definition driven by a cron expression.
type ScheduledJob struct {
	ID          string          `json:"id"`
	PrincipalID string          `json:"principal_id"`
	Name        string          `json:"name"`
	Query       QueryDefinition `json:"query"`
	Parameters  map[string]any  `json:"parameters"`
	CronExpr    string          `json:"cron_expression"`
	Timezone    string          `json:"timezone"`
	Active      bool            `json:"active"`
	NextFireAt  time.Time       `json:"next_fire_at"`
	LastFireAt  *time.Time      `json:"last_fire_at,omitempty"`
	TotalRuns   int             `json:"total_runs"`
	SuccessRuns int             `json:"success_runs"`
	FailedRuns  int             `json:"failed_runs"`
	Sync        SyncDirective   `json:"sync"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunOutcome records the result of one dispatcher fire.
type RunOutcome struct {
	FiredAt    time.Time
	NextFireAt time.Time
	Succeeded  bool
	// Counted is false when the fire was suppressed and only next-fire moves.
	Counted bool
}
