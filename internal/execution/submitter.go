// Package execution creates Executions and hands them to the query platform.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/models"
	"query-orchestrator/internal/telemetry"
)

// Store is the execution persistence the submitter needs.
type Store interface {
	CreateExecution(ctx context.Context, e models.Execution) (models.Execution, error)
	MarkExecutionSubmitted(ctx context.Context, id, externalID string, at time.Time) (models.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to models.ExecutionStatus, upd models.ExecutionUpdate) (models.Execution, error)
}

// Credentials yields valid access credentials per principal.
type Credentials interface {
	EnsureValid(ctx context.Context, principalID string) (credential.Token, error)
}

// Platform submits queries to the external execution platform.
type Platform interface {
	Submit(ctx context.Context, tok credential.Token, q models.QueryDefinition, params map[string]any) (string, error)
	Cancel(ctx context.Context, tok credential.Token, externalID string) error
}

// Submitter moves Pending executions onto the platform.
type Submitter struct {
	store    Store
	creds    Credentials
	platform Platform
	logger   *zap.Logger
	now      func() time.Time
}

func NewSubmitter(store Store, creds Credentials, platform Platform, logger *zap.Logger) *Submitter {
	return &Submitter{store: store, creds: creds, platform: platform, logger: logger.Named("submitter"), now: time.Now}
}

// New fills in identity and timestamps for a Pending execution. An empty id
// gets a fresh UUID.
func (s *Submitter) New(e models.Execution) models.Execution {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.Status = models.ExecutionPending
	return e
}

// Create persists a new Pending execution.
func (s *Submitter) Create(ctx context.Context, e models.Execution) (models.Execution, error) {
	if e.PrincipalID == "" || e.Query.ID == "" {
		return models.Execution{}, models.ErrValidation("principal id and query id are required")
	}
	if err := e.Sync.Validate(); err != nil {
		return models.Execution{}, err
	}
	created, err := s.store.CreateExecution(ctx, s.New(e))
	if err != nil {
		return models.Execution{}, err
	}
	telemetry.ExecutionsCreated.WithLabelValues(string(created.Origin)).Inc()
	return created, nil
}

// Submit sends a Pending execution to the platform. On success it becomes
// Running with the external id recorded. Any failure moves it to Failed with
// the error text; the returned execution reflects the stored state.
func (s *Submitter) Submit(ctx context.Context, e models.Execution) (models.Execution, error) {
	log := s.logger.With(zap.String("execution_id", e.ID), zap.String("principal_id", e.PrincipalID))

	tok, err := s.creds.EnsureValid(ctx, e.PrincipalID)
	if err != nil {
		return s.fail(ctx, log, e, err)
	}
	externalID, err := s.platform.Submit(ctx, tok, e.Query, e.Parameters)
	if err != nil {
		return s.fail(ctx, log, e, err)
	}
	running, err := s.store.MarkExecutionSubmitted(ctx, e.ID, externalID, s.now().UTC())
	if models.IsConflict(err) {
		// Cancelled while the platform was accepting it.
		log.Warn("execution left pending during submission, cancelling on platform", zap.String("external_id", externalID), zap.Error(err))
		if cerr := s.platform.Cancel(ctx, tok, externalID); cerr != nil {
			log.Error("cancel orphaned platform execution", zap.String("external_id", externalID), zap.Error(cerr))
		}
		return e, err
	}
	if err != nil {
		log.Error("record submission", zap.String("external_id", externalID), zap.Error(err))
		return e, err
	}
	telemetry.ExecutionTransitions.WithLabelValues(string(models.ExecutionRunning)).Inc()
	log.Info("execution submitted", zap.String("external_id", externalID))
	return running, nil
}

func (s *Submitter) fail(ctx context.Context, log *zap.Logger, e models.Execution, cause error) (models.Execution, error) {
	msg := cause.Error()
	now := s.now().UTC()
	failed, err := s.store.TransitionExecution(ctx, e.ID, models.ExecutionPending, models.ExecutionFailed, models.ExecutionUpdate{
		CompletedAt: &now,
		Error:       &msg,
	})
	if err != nil {
		log.Error("record submission failure", zap.NamedError("cause", cause), zap.Error(err))
		return e, cause
	}
	telemetry.ExecutionTransitions.WithLabelValues(string(models.ExecutionFailed)).Inc()
	log.Warn("execution submission failed", zap.Error(cause))
	return failed, cause
}
