package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/testutil"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(_ context.Context, batch []Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, batch...)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestUnavailable(t *testing.T) {
	err := Unavailable{}.Enqueue(context.Background(), Message{RunID: "r1"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryQueueDelivers(t *testing.T) {
	q := NewMemoryQueue(MemoryOptions{BufferSize: 16, BatchSize: 4, Workers: 2})
	rec := &recorder{}
	stop := q.Start(rec.handle)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), Message{RunID: "r", OwnerID: "u1", Kind: model.RunKindAvailabilityRefresh}))
	}
	assert.Eventually(t, func() bool { return rec.len() == 10 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop(context.Background()))

	err := q.Enqueue(context.Background(), Message{RunID: "late"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(MemoryOptions{BufferSize: 1})
	require.NoError(t, q.Enqueue(context.Background(), Message{RunID: "a"}))
	err := q.Enqueue(context.Background(), Message{RunID: "b"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func newRedisQueue(t *testing.T, rdb *redis.Client, claimIdle time.Duration) *RedisQueue {
	t.Helper()
	q := NewRedisQueue(rdb, RedisOptions{
		Stream:    "test:jobs",
		Group:     "workers",
		Consumer:  "t",
		BatchSize: 5,
		Block:     50 * time.Millisecond,
		ClaimIdle: claimIdle,
	})
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := newRedisQueue(t, rdb, 0)
	ctx := context.Background()

	msg := Message{RunID: "r1", OwnerID: "u1", Kind: model.RunKindShelfSourceSync, Payload: &MessagePayload{SourceID: "s1"}}
	require.NoError(t, q.Enqueue(ctx, msg))

	rec := &recorder{}
	n, err := q.ReadOnce(ctx, "t-0", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, msg, rec.msgs[0])
	assert.Equal(t, "s1", rec.msgs[0].SourceID())

	// 已 ACK，不再有待处理消息
	pending, err := rdb.XPending(ctx, "test:jobs", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisQueueDropsMalformed(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := newRedisQueue(t, rdb, 0)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "test:jobs", Values: map[string]any{"body": "not-json"}}).Err())
	rec := &recorder{}
	n, err := q.ReadOnce(ctx, "t-0", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, rec.msgs)

	pending, err := rdb.XPending(ctx, "test:jobs", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisQueueReclaimsIdleMessages(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := newRedisQueue(t, rdb, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{RunID: "r2", OwnerID: "u1", Kind: model.RunKindAvailabilityRefresh}))

	// 模拟消费者读到消息后崩溃，未 ACK
	_, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "workers", Consumer: "crashed", Streams: []string{"test:jobs", ">"}, Count: 1,
	}).Result()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	rec := &recorder{}
	n, err := q.ReclaimOnce(ctx, "t-1", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "r2", rec.msgs[0].RunID)
}

func TestRedisQueueStartStop(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := newRedisQueue(t, rdb, 0)
	rec := &recorder{}
	stop := q.Start(rec.handle)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), Message{RunID: "r", OwnerID: "u1", Kind: model.RunKindAvailabilityRefresh}))
	}
	assert.Eventually(t, func() bool { return rec.len() == 3 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, stop(ctx))
}

func TestRedisQueueEnqueueFailure(t *testing.T) {
	rdb, mr := testutil.NewRedis(t)
	q := NewRedisQueue(rdb, RedisOptions{Stream: "test:jobs"})
	mr.Close()
	err := q.Enqueue(context.Background(), Message{RunID: "r3"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
