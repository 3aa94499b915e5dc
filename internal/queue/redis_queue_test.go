package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*RedisQueue, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, "sync", time.Minute)
	now := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "e1", time.Time{}))
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", id)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, q.Ack(ctx, "e1"))
	expired, err := q.RequeueExpired(ctx, time.Now().Add(24*time.Hour*365*10), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestDelayedTasksArePromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "e1", now.Add(time.Minute)))
	n, err := q.PromoteScheduled(ctx, *now, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteScheduled(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", id)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "e1", *now))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	expired, err := q.RequeueExpired(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = q.RequeueExpired(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, expired)
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", id)
}

func TestFailureCountSurvivesRescheduling(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, "e1", *now))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	n, err := q.RecordFailure(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, q.Schedule(ctx, "e1", now.Add(time.Second)))
	n, err = q.RecordFailure(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.DLQPush(ctx, "e1"))
	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, dead)

	n, err = q.RecordFailure(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "dead-lettering clears the count")
}
