package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"query-orchestrator/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b9 := backoffWithJitter(base, max, 9)
	if b9 < max/2 || b9 > max {
		t.Fatalf("backoff not capped: %s", b9)
	}
}

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, "sync", time.Minute)
}

func TestProcessorAcksHandledTasks(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	var seen []string
	p := NewProcessor(ProcessorConfig{}, q, func(_ context.Context, id string) error {
		seen = append(seen, id)
		return nil
	}, "w1", zap.NewNop())

	require.NoError(t, q.Enqueue(ctx, "e1", time.Now()))
	worked, err := p.step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"e1"}, seen)

	worked, err = p.step(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "acked tasks are not redelivered")
}

func TestProcessorReschedulesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	var calls atomic.Int32
	p := NewProcessor(ProcessorConfig{MaxFailures: 2, BackoffInitial: time.Second, BackoffMax: 4 * time.Second}, q, func(context.Context, string) error {
		calls.Add(1)
		return errors.New("store unavailable")
	}, "w1", zap.NewNop())

	require.NoError(t, q.Enqueue(ctx, "e1", time.Now()))
	worked, err := p.step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	worked, err = p.step(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "the retry waits for its backoff")

	p.now = func() time.Time { return time.Now().Add(time.Minute) }
	worked, err = p.step(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, int32(2), calls.Load())

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, dead)
}

func TestRunnerTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var fast, failing atomic.Int32
	r := NewRunner(zap.NewNop())
	r.Every("fast", 5*time.Millisecond, func(context.Context) error {
		if fast.Add(1) == 3 {
			cancel()
		}
		return nil
	})
	r.Every("failing", 5*time.Millisecond, func(context.Context) error {
		failing.Add(1)
		return errors.New("boom")
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.GreaterOrEqual(t, fast.Load(), int32(3))
	assert.GreaterOrEqual(t, failing.Load(), int32(1), "a failing task keeps its schedule")
}
