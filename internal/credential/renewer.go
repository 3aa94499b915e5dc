package credential

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"query-orchestrator/internal/models"
)

// ErrRefreshRejected means the identity provider refused the refresh material.
// The principal has to reauthenticate.
var ErrRefreshRejected = errors.New("refresh material rejected")

// Renewal is the outcome of one successful renewal call. RefreshToken is empty
// when the provider did not rotate it.
type Renewal struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Renewer exchanges refresh material for a new access credential. Failures are
// ErrRefreshRejected or a *models.TransientError.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (Renewal, error)
}

// OAuth2Renewer renews credentials with the OAuth2 refresh_token grant.
type OAuth2Renewer struct {
	cfg    *oauth2.Config
	client *http.Client
}

func NewOAuth2Renewer(clientID, clientSecret, tokenURL string, timeout time.Duration) *OAuth2Renewer {
	return &OAuth2Renewer{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		client: &http.Client{Timeout: timeout},
	}
}

func (r *OAuth2Renewer) Renew(ctx context.Context, refreshToken string) (Renewal, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	// An expired token forces the source to run the refresh grant.
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return Renewal{}, classifyRenewalError(err)
	}
	out := Renewal{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

func classifyRenewalError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant", status == http.StatusBadRequest, status == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrRefreshRejected, re.ErrorCode)
		case status == http.StatusTooManyRequests:
			return &models.TransientError{Kind: models.TransientRateLimit, Err: err}
		case status >= 500:
			return &models.TransientError{Kind: models.TransientServer, Err: err}
		default:
			return fmt.Errorf("%w: unexpected status %d", ErrRefreshRejected, status)
		}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &models.TransientError{Kind: models.TransientNetwork, Err: err}
	}
	return &models.TransientError{Kind: models.TransientServer, Err: err}
}
