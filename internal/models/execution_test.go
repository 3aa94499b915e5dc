package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		want     bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionPending, ExecutionFailed, true},
		{ExecutionPending, ExecutionSuccess, false},
		{ExecutionRunning, ExecutionSuccess, true},
		{ExecutionRunning, ExecutionTimedOut, true},
		{ExecutionRunning, ExecutionCancelled, true},
		{ExecutionRunning, ExecutionPending, false},
		{ExecutionSuccess, ExecutionRunning, false},
		{ExecutionFailed, ExecutionRunning, false},
		{ExecutionCancelled, ExecutionSuccess, false},
		{ExecutionTimedOut, ExecutionPending, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestNoTransitionLeavesTerminalState(t *testing.T) {
	all := []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionSuccess, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSyncDirectiveValidate(t *testing.T) {
	assert.NoError(t, SyncDirective{}.Validate())
	assert.NoError(t, SyncDirective{Enabled: true, Table: "weekly_reach"}.Validate())
	assert.True(t, IsValidation(SyncDirective{Enabled: true, Table: "drop table;"}.Validate()))
	assert.True(t, IsValidation(SyncDirective{Enabled: true, Table: "t", KeyPolicy: "bogus"}.Validate()))
}

func TestErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("renew: %w", &TransientError{Kind: TransientRateLimit, Err: fmt.Errorf("429")})
	assert.True(t, IsTransient(wrapped))
	kind, ok := TransientKindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, TransientRateLimit, kind)
	assert.False(t, IsPermanentCredential(wrapped))

	perm := fmt.Errorf("ensure: %w", &CredentialError{PrincipalID: "p1"})
	assert.True(t, IsPermanentCredential(perm))
	assert.False(t, IsTransient(perm))
}
