package credential

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"query-orchestrator/internal/models"
	"query-orchestrator/internal/secrets"
	"query-orchestrator/internal/store"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeRenewer struct {
	mu    sync.Mutex
	errs  []error
	calls int
	next  Renewal
}

func (f *fakeRenewer) Renew(_ context.Context, refresh string) (Renewal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		if err != nil {
			return Renewal{}, err
		}
	}
	return f.next, nil
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

type fixture struct {
	svc     *Service
	store   *store.Memory
	renewer *fakeRenewer
	sleeps  *recordedSleeps
	now     time.Time
}

func newFixture(t *testing.T, expiresIn time.Duration) *fixture {
	t.Helper()
	enc, err := secrets.NewEncryptor(testKey)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		store:   store.NewMemory(),
		renewer: &fakeRenewer{next: Renewal{AccessToken: "access-2", ExpiresAt: now.Add(time.Hour)}},
		sleeps:  &recordedSleeps{},
		now:     now,
	}
	f.svc = NewService(f.store, enc, f.renewer, zap.NewNop(), 10*time.Minute,
		WithClock(func() time.Time { return now }),
		WithSleeper(f.sleeps.sleep),
	)
	require.NoError(t, f.svc.Onboard(context.Background(), "p1", "access-1", "refresh-1", now.Add(expiresIn)))
	return f
}

func TestEnsureValidReturnsCachedCredential(t *testing.T) {
	f := newFixture(t, time.Hour)
	tok, err := f.svc.EnsureValid(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.value)
	assert.Equal(t, 0, f.renewer.calls)
	assert.NotContains(t, tok.String(), "access-1")
}

func TestEnsureValidRenewsNearExpiry(t *testing.T) {
	f := newFixture(t, 5*time.Minute)
	tok, err := f.svc.EnsureValid(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.value)
	assert.Equal(t, 1, f.renewer.calls)

	c, err := f.store.GetCredential(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(time.Hour), c.ExpiresAt)
	assert.NotContains(t, c.AccessEncrypted, "access-2")
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.renewer.errs = []error{fmt.Errorf("%w: invalid_grant", ErrRefreshRejected)}

	_, err := f.svc.EnsureValid(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, models.IsPermanentCredential(err))
	assert.False(t, models.IsTransient(err))
	assert.Equal(t, 1, f.renewer.calls)
	assert.Empty(t, f.sleeps.delays)

	c, err := f.store.GetCredential(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, c.ReauthRequired)

	// Later calls fail fast without hitting the provider.
	_, err = f.svc.EnsureValid(context.Background(), "p1")
	assert.True(t, models.IsPermanentCredential(err))
	assert.Equal(t, 1, f.renewer.calls)
}

func TestServerFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.renewer.errs = []error{&models.TransientError{Kind: models.TransientServer, Err: fmt.Errorf("503")}}

	_, err := f.svc.EnsureValid(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.False(t, models.IsPermanentCredential(err))
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, f.sleeps.delays)
	assert.Equal(t, 4, f.renewer.calls, "initial call plus three retries")
}

func TestRateLimitBackoff(t *testing.T) {
	f := newFixture(t, time.Minute)
	rl := &models.TransientError{Kind: models.TransientRateLimit, Err: fmt.Errorf("429")}
	f.renewer.errs = []error{rl, rl, nil}

	tok, err := f.svc.EnsureValid(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.value)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, f.sleeps.delays)

	kind, _ := models.TransientKindOf(rl)
	assert.Equal(t, models.TransientRateLimit, kind)
}

func TestConcurrentCallersShareOneRenewal(t *testing.T) {
	f := newFixture(t, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.EnsureValid(context.Background(), "p1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.renewer.calls)
}

// blockingRenewer holds every renewal until released or cancelled.
type blockingRenewer struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	next    Renewal
}

func (b *blockingRenewer) Renew(ctx context.Context, _ string) (Renewal, error) {
	b.calls.Add(1)
	b.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return Renewal{}, ctx.Err()
	case <-b.release:
		return b.next, nil
	}
}

func TestCancelledCallerDoesNotFailSharedRenewal(t *testing.T) {
	f := newFixture(t, time.Minute)
	renewer := &blockingRenewer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		next:    Renewal{AccessToken: "access-2", ExpiresAt: f.now.Add(time.Hour)},
	}
	f.svc.renewer = renewer

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.svc.EnsureValid(firstCtx, "p1")
		first <- err
	}()
	<-renewer.entered

	second := make(chan error, 1)
	go func() {
		_, err := f.svc.EnsureValid(context.Background(), "p1")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(renewer.release)
	assert.NoError(t, <-second)
	assert.Equal(t, int32(1), renewer.calls.Load())

	tok, err := f.svc.EnsureValid(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(time.Hour), tok.ExpiresAt())
}

func TestSweepRenewsExpiringCredentials(t *testing.T) {
	f := newFixture(t, 2*time.Minute)
	require.NoError(t, f.svc.Onboard(context.Background(), "p2", "a", "r", f.now.Add(2*time.Hour)))

	n, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.renewer.calls)
}

func TestMissingCredentialIsConfigurationError(t *testing.T) {
	f := newFixture(t, time.Hour)
	_, err := f.svc.EnsureValid(context.Background(), "nobody")
	assert.True(t, models.IsConfiguration(err))
}

func TestOAuth2RenewerClassifiesResponses(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		switch code := int(status.Load()); code {
		case http.StatusOK:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"fresh","token_type":"bearer","expires_in":3600,"refresh_token":"rotated"}`)
		case http.StatusBadRequest:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
		default:
			w.WriteHeader(code)
		}
	}))
	defer srv.Close()

	r := NewOAuth2Renewer("client", "secret", srv.URL, 5*time.Second)
	ctx := context.Background()

	status.Store(http.StatusOK)
	renewal, err := r.Renew(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", renewal.AccessToken)
	assert.Equal(t, "rotated", renewal.RefreshToken)

	status.Store(http.StatusBadRequest)
	_, err = r.Renew(ctx, "refresh-1")
	assert.ErrorIs(t, err, ErrRefreshRejected)

	status.Store(http.StatusUnauthorized)
	_, err = r.Renew(ctx, "refresh-1")
	assert.ErrorIs(t, err, ErrRefreshRejected)

	status.Store(http.StatusServiceUnavailable)
	_, err = r.Renew(ctx, "refresh-1")
	kind, ok := models.TransientKindOf(err)
	assert.True(t, ok)
	assert.Equal(t, models.TransientServer, kind)

	status.Store(http.StatusTooManyRequests)
	_, err = r.Renew(ctx, "refresh-1")
	kind, _ = models.TransientKindOf(err)
	assert.Equal(t, models.TransientRateLimit, kind)
}

func TestOAuth2RenewerNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOAuth2Renewer("c", "s", url, time.Second).Renew(context.Background(), "r")
	kind, ok := models.TransientKindOf(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, kind == models.TransientNetwork || kind == models.TransientServer)
	assert.False(t, strings.Contains(err.Error(), "refresh material rejected"))
}
