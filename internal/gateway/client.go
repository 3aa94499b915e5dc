// Package gateway talks to the external query-execution platform and fetches
// the results it produces.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"query-orchestrator/internal/credential"
	"query-orchestrator/internal/models"
)

// StatusReport is one observation of an external execution.
type StatusReport struct {
	Status         models.ExecutionStatus
	ResultLocation string
	Error          string
}

// HTTPClient calls the execution platform's REST API. Every call waits on a
// shared limiter so the orchestrator stays under the platform's rate limit.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewHTTPClient(baseURL string, rps float64, burst int, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.Named("gateway"),
	}
}

type submitRequest struct {
	QueryID    string         `json:"query_id"`
	SQL        string         `json:"sql,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
}

type statusResponse struct {
	State          string `json:"state"`
	ResultLocation string `json:"result_location"`
	Error          string `json:"error"`
}

// Submit starts the query and returns the platform's execution id.
func (c *HTTPClient) Submit(ctx context.Context, tok credential.Token, q models.QueryDefinition, params map[string]any) (string, error) {
	body, err := json.Marshal(submitRequest{QueryID: q.ID, SQL: q.SQL, Parameters: params})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	var out submitResponse
	if err := c.do(ctx, tok, http.MethodPost, "/executions", body, &out); err != nil {
		return "", err
	}
	if out.ExecutionID == "" {
		return "", &models.DataError{Err: errors.New("submission response missing execution_id")}
	}
	return out.ExecutionID, nil
}

// Poll reads the current state of an external execution.
func (c *HTTPClient) Poll(ctx context.Context, tok credential.Token, externalID string) (StatusReport, error) {
	var out statusResponse
	if err := c.do(ctx, tok, http.MethodGet, "/executions/"+url.PathEscape(externalID), nil, &out); err != nil {
		return StatusReport{}, err
	}
	status, err := MapState(out.State)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Status: status, ResultLocation: out.ResultLocation, Error: out.Error}, nil
}

// Cancel asks the platform to stop an execution.
func (c *HTTPClient) Cancel(ctx context.Context, tok credential.Token, externalID string) error {
	return c.do(ctx, tok, http.MethodPost, "/executions/"+url.PathEscape(externalID)+"/cancel", nil, nil)
}

// MapState converts a platform state into an execution status.
func MapState(state string) (models.ExecutionStatus, error) {
	switch strings.ToUpper(state) {
	case "PENDING", "QUEUED", "RUNNING", "EXECUTING":
		return models.ExecutionRunning, nil
	case "SUCCEEDED", "COMPLETED":
		return models.ExecutionSuccess, nil
	case "FAILED":
		return models.ExecutionFailed, nil
	case "CANCELLED", "CANCELED":
		return models.ExecutionCancelled, nil
	default:
		return "", &models.DataError{Err: fmt.Errorf("unknown execution state %q", state)}
	}
}

func (c *HTTPClient) do(ctx context.Context, tok credential.Token, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &models.TransientError{Kind: models.TransientNetwork, Err: err}
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if err := classifyStatus(tok.PrincipalID(), resp.StatusCode, payload); err != nil {
		c.logger.Debug("gateway call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &models.DataError{Err: fmt.Errorf("decode %s %s response: %w", method, path, err)}
	}
	return nil
}

func classifyStatus(principalID string, code int, payload []byte) error {
	if code < 300 {
		return nil
	}
	cause := fmt.Errorf("status %d: %s", code, strings.TrimSpace(string(payload)))
	switch {
	case code == http.StatusTooManyRequests:
		return &models.TransientError{Kind: models.TransientRateLimit, Err: cause}
	case code >= 500:
		return &models.TransientError{Kind: models.TransientServer, Err: cause}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &models.CredentialError{PrincipalID: principalID, Err: cause}
	case code == http.StatusNotFound:
		return models.ErrNotFound("execution not found on platform: %v", cause)
	default:
		return &models.DataError{Err: cause}
	}
}
