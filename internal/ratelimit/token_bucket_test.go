package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bucket := NewTokenBucket(client, "fires", capacity, refill, time.Minute)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "principal-1")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "principal-1")
	assert.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "principal-1")
	assert.False(t, allowed, "third token should be rejected")

	// Buckets are per key.
	allowed, _, _ = bucket.Allow(ctx, "principal-2")
	assert.True(t, allowed)
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 1)

	allowed, _, _ := bucket.Allow(ctx, "p")
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "p")
	require.False(t, allowed)

	*clock = clock.Add(1500 * time.Millisecond)
	allowed, _, err := bucket.Allow(ctx, "p")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTokenBucketPrefixesAreIndependent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	api := NewTokenBucket(client, "api", 1, 0.001, time.Minute)
	fires := NewTokenBucket(client, "fires", 1, 0.001, time.Minute)

	allowed, _, err := api.Allow(ctx, "principal-1")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _ = api.Allow(ctx, "principal-1")
	assert.False(t, allowed)

	allowed, _, err = fires.Allow(ctx, "principal-1")
	require.NoError(t, err)
	assert.True(t, allowed, "an empty api bucket does not block fires")
	assert.True(t, mr.Exists("api:principal-1"))
	assert.True(t, mr.Exists("fires:principal-1"))
}
