package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/models"
	"query-orchestrator/internal/store"
)

type staticCreds struct{ err error }

func (c staticCreds) EnsureValid(_ context.Context, principalID string) (credential.Token, error) {
	if c.err != nil {
		return credential.Token{}, c.err
	}
	return credential.StaticToken(principalID, "secret", time.Now().Add(time.Hour)), nil
}

type fakePlatform struct {
	err       error
	params    map[string]any
	cancelled []string
	// onSubmit runs after the platform has accepted the query.
	onSubmit func()
}

func (p *fakePlatform) Submit(_ context.Context, _ credential.Token, q models.QueryDefinition, params map[string]any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.params = params
	if p.onSubmit != nil {
		p.onSubmit()
	}
	return "ext-" + q.ID, nil
}

func (p *fakePlatform) Cancel(_ context.Context, _ credential.Token, externalID string) error {
	p.cancelled = append(p.cancelled, externalID)
	return nil
}

func TestSubmitMovesToRunning(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	platform := &fakePlatform{}
	s := NewSubmitter(mem, staticCreds{}, platform, zap.NewNop())

	e, err := s.Create(ctx, models.Execution{PrincipalID: "p1", Origin: models.OriginAdhoc, Query: models.QueryDefinition{ID: "q1"}, Parameters: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, models.ExecutionPending, e.Status)

	e, err = s.Submit(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, e.Status)
	require.NotNil(t, e.ExternalID)
	assert.Equal(t, "ext-q1", *e.ExternalID)
	assert.NotNil(t, e.SubmittedAt)
	assert.Equal(t, map[string]any{"x": 1}, platform.params)
}

func TestSubmitFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	s := NewSubmitter(mem, staticCreds{}, &fakePlatform{err: &models.DataError{Err: errors.New("bad query")}}, zap.NewNop())

	e, err := s.Create(ctx, models.Execution{PrincipalID: "p1", Query: models.QueryDefinition{ID: "q1"}})
	require.NoError(t, err)
	e, err = s.Submit(ctx, e)
	assert.True(t, models.IsDataError(err))
	assert.Equal(t, models.ExecutionFailed, e.Status)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "bad query")
}

func TestSubmitWithoutCredentialFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	s := NewSubmitter(mem, staticCreds{err: &models.CredentialError{PrincipalID: "p1"}}, &fakePlatform{}, zap.NewNop())

	e, err := s.Create(ctx, models.Execution{PrincipalID: "p1", Query: models.QueryDefinition{ID: "q1"}})
	require.NoError(t, err)
	e, err = s.Submit(ctx, e)
	assert.True(t, models.IsPermanentCredential(err))
	assert.Equal(t, models.ExecutionFailed, e.Status)
}

func TestCancelDuringSubmissionCancelsOnPlatform(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	platform := &fakePlatform{}
	s := NewSubmitter(mem, staticCreds{}, platform, zap.NewNop())

	e, err := s.Create(ctx, models.Execution{PrincipalID: "p1", Query: models.QueryDefinition{ID: "q1"}})
	require.NoError(t, err)
	platform.onSubmit = func() {
		_, err := mem.TransitionExecution(ctx, e.ID, models.ExecutionPending, models.ExecutionCancelled, models.ExecutionUpdate{})
		require.NoError(t, err)
	}

	_, err = s.Submit(ctx, e)
	assert.True(t, models.IsConflict(err))
	assert.Equal(t, []string{"ext-q1"}, platform.cancelled)

	stored, err := mem.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, stored.Status)
	assert.Nil(t, stored.ExternalID)
}

func TestCreateValidates(t *testing.T) {
	s := NewSubmitter(store.NewMemory(), staticCreds{}, &fakePlatform{}, zap.NewNop())
	_, err := s.Create(context.Background(), models.Execution{Query: models.QueryDefinition{ID: "q"}})
	assert.True(t, models.IsValidation(err))
	_, err = s.Create(context.Background(), models.Execution{PrincipalID: "p", Query: models.QueryDefinition{ID: "q"}, Sync: models.SyncDirective{Enabled: true, Table: "1bad"}})
	assert.True(t, models.IsValidation(err))
}
