// Package credential keeps per-principal access credentials valid. It is the
// only package that sees decrypted credential material.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"query-orchestrator/internal/models"
	"query-orchestrator/internal/telemetry"
)

// Store is the persistence surface the service needs.
type Store interface {
	UpsertCredential(ctx context.Context, c models.Credential) error
	GetCredential(ctx context.Context, principalID string) (models.Credential, error)
	ListExpiringCredentials(ctx context.Context, before time.Time) ([]models.Credential, error)
	UpdateCredentialTokens(ctx context.Context, principalID, access string, refresh *string, expiresAt time.Time) error
	MarkReauthRequired(ctx context.Context, principalID string) error
}

// Cipher seals credential material at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

// Retry delays per transient kind. The slice length is the retry budget.
var retryDelays = map[models.TransientKind][]time.Duration{
	models.TransientServer:    {5 * time.Second, 10 * time.Second, 20 * time.Second},
	models.TransientNetwork:   {5 * time.Second, 10 * time.Second, 20 * time.Second},
	models.TransientRateLimit: {10 * time.Second, 20 * time.Second, 40 * time.Second},
}

// Service hands out access credentials valid for at least minValidity,
// renewing them inline or from the background sweep.
type Service struct {
	store       Store
	cipher      Cipher
	renewer     Renewer
	logger      *zap.Logger
	minValidity time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	group singleflight.Group
	// refreshTimeout bounds a shared renewal, which outlives the caller that
	// started it.
	refreshTimeout time.Duration
}

type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

func NewService(store Store, cipher Cipher, renewer Renewer, logger *zap.Logger, minValidity time.Duration, opts ...Option) *Service {
	s := &Service{
		store:       store,
		cipher:      cipher,
		renewer:     renewer,
		logger:      logger.Named("credential"),
		minValidity: minValidity,
		now:         time.Now,
		sleep:       sleepCtx,

		refreshTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Onboard stores freshly issued credentials for a principal.
func (s *Service) Onboard(ctx context.Context, principalID, accessToken, refreshToken string, expiresAt time.Time) error {
	if principalID == "" || accessToken == "" {
		return models.ErrValidation("principal id and access token are required")
	}
	access, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	c := models.Credential{PrincipalID: principalID, AccessEncrypted: access, ExpiresAt: expiresAt.UTC()}
	if refreshToken != "" {
		refresh, err := s.cipher.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		c.RefreshEncrypted = &refresh
	}
	return s.store.UpsertCredential(ctx, c)
}

// EnsureValid returns an access credential valid for at least the minimum
// validity window, renewing it first when needed. Concurrent callers for the
// same principal share one renewal, and a caller giving up does not cancel it
// for the others.
func (s *Service) EnsureValid(ctx context.Context, principalID string) (Token, error) {
	cred, err := s.store.GetCredential(ctx, principalID)
	if err != nil {
		return Token{}, err
	}
	if cred.ReauthRequired {
		return Token{}, &models.CredentialError{PrincipalID: principalID}
	}
	if s.fresh(cred) {
		return s.token(cred)
	}
	ch := s.group.DoChan(principalID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		return s.refresh(rctx, principalID)
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Sweep proactively renews every credential expiring within the validity
// window. It returns how many were renewed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	creds, err := s.store.ListExpiringCredentials(ctx, s.now().Add(s.minValidity))
	if err != nil {
		return 0, err
	}
	renewed := 0
	for _, c := range creds {
		if ctx.Err() != nil {
			return renewed, ctx.Err()
		}
		_, err, _ := s.group.Do(c.PrincipalID, func() (any, error) {
			return s.refresh(ctx, c.PrincipalID)
		})
		if err != nil {
			s.logger.Warn("sweep renewal failed", zap.String("principal_id", c.PrincipalID), zap.Error(err))
			continue
		}
		renewed++
	}
	if len(creds) > 0 {
		s.logger.Info("credential sweep finished", zap.Int("expiring", len(creds)), zap.Int("renewed", renewed))
	}
	return renewed, nil
}

func (s *Service) fresh(c models.Credential) bool {
	return c.ExpiresAt.Sub(s.now()) > s.minValidity
}

func (s *Service) token(c models.Credential) (Token, error) {
	access, err := s.cipher.Decrypt(c.AccessEncrypted)
	if err != nil {
		return Token{}, fmt.Errorf("decrypt access token: %w", err)
	}
	return Token{principalID: c.PrincipalID, value: access, expiresAt: c.ExpiresAt}, nil
}

func (s *Service) refresh(ctx context.Context, principalID string) (Token, error) {
	// Re-read: another caller may have renewed while this one waited.
	cred, err := s.store.GetCredential(ctx, principalID)
	if err != nil {
		return Token{}, err
	}
	if cred.ReauthRequired {
		return Token{}, &models.CredentialError{PrincipalID: principalID}
	}
	if s.fresh(cred) {
		return s.token(cred)
	}
	if cred.RefreshEncrypted == nil {
		return Token{}, s.requireReauth(ctx, principalID, errors.New("no refresh material"))
	}
	refresh, err := s.cipher.Decrypt(*cred.RefreshEncrypted)
	if err != nil {
		return Token{}, fmt.Errorf("decrypt refresh token: %w", err)
	}

	renewal, err := s.renewWithRetry(ctx, principalID, refresh)
	if err != nil {
		return Token{}, err
	}

	access, err := s.cipher.Encrypt(renewal.AccessToken)
	if err != nil {
		return Token{}, fmt.Errorf("encrypt access token: %w", err)
	}
	var rotated *string
	if renewal.RefreshToken != "" {
		enc, err := s.cipher.Encrypt(renewal.RefreshToken)
		if err != nil {
			return Token{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
		rotated = &enc
	}
	if err := s.store.UpdateCredentialTokens(ctx, principalID, access, rotated, renewal.ExpiresAt.UTC()); err != nil {
		return Token{}, err
	}
	telemetry.TokenRenewals.WithLabelValues("renewed").Inc()
	s.logger.Info("credential renewed", zap.String("principal_id", principalID), zap.Time("expires_at", renewal.ExpiresAt))
	return Token{principalID: principalID, value: renewal.AccessToken, expiresAt: renewal.ExpiresAt.UTC()}, nil
}

func (s *Service) renewWithRetry(ctx context.Context, principalID, refresh string) (Renewal, error) {
	for retry := 0; ; retry++ {
		renewal, err := s.renewer.Renew(ctx, refresh)
		if err == nil {
			return renewal, nil
		}
		if errors.Is(err, ErrRefreshRejected) {
			telemetry.TokenRenewals.WithLabelValues("reauth_required").Inc()
			return Renewal{}, s.requireReauth(ctx, principalID, err)
		}
		kind, ok := models.TransientKindOf(err)
		if !ok {
			kind = models.TransientServer
		}
		delays := retryDelays[kind]
		if retry >= len(delays) {
			telemetry.TokenRenewals.WithLabelValues("unavailable").Inc()
			return Renewal{}, &models.TransientError{Kind: kind, Err: fmt.Errorf("renewal for principal %s failed after %d retries: %w", principalID, retry, err)}
		}
		telemetry.TokenRenewalRetries.WithLabelValues(string(kind)).Inc()
		s.logger.Warn("credential renewal failed, retrying",
			zap.String("principal_id", principalID),
			zap.String("kind", string(kind)),
			zap.Int("retry", retry+1),
			zap.Duration("delay", delays[retry]),
			zap.Error(err),
		)
		if err := s.sleep(ctx, delays[retry]); err != nil {
			return Renewal{}, err
		}
	}
}

func (s *Service) requireReauth(ctx context.Context, principalID string, cause error) error {
	if err := s.store.MarkReauthRequired(ctx, principalID); err != nil {
		s.logger.Error("mark reauth required", zap.String("principal_id", principalID), zap.Error(err))
	}
	s.logger.Warn("principal must reauthenticate", zap.String("principal_id", principalID), zap.Error(cause))
	return &models.CredentialError{PrincipalID: principalID, Err: cause}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
