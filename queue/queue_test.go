package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, "test_queue", opts...), mr
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t, WithWorkerID("worker-1"))
	ctx := context.Background()

	item := &Item{
		ExecutionID: "ex-1",
		Priority:    PriorityNormal,
		MaxRetries:  3,
		Payload:     json.RawMessage(`{"workflow_id":"wf-1"}`),
	}
	require.NoError(t, q.Enqueue(ctx, item))
	require.NotEmpty(t, item.ID)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, "ex-1", got.ExecutionID)
	assert.Equal(t, "worker-1", got.AssignedWorker)
	require.NotNil(t, got.ProcessingStartedAt)
	assert.JSONEq(t, `{"workflow_id":"wf-1"}`, string(got.Payload))

	// The claim moved the item to processing.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)
}

func TestFailAndReleaseKeepItemInOneSubQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{ExecutionID: "ex-1", Priority: PriorityHigh, MaxRetries: 1}))

	assertDepths := func(pending, processing, failed int64) {
		t.Helper()
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, pending, stats.Pending)
		assert.Equal(t, processing, stats.Processing)
		assert.Equal(t, failed, stats.Failed)
	}

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, got))
	assertDepths(1, 0, 0)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got, errors.New("boom")))
	assertDepths(1, 0, 0)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got, errors.New("boom")))
	assertDepths(0, 0, 1)
}

func TestWorkerIDDefaultsWhenUnset(t *testing.T) {
	q, _ := newTestQueue(t, WithWorkerID("stable-1"))
	assert.Equal(t, "stable-1", q.WorkerID())

	q, _ = newTestQueue(t, WithWorkerID(""))
	assert.NotEmpty(t, q.WorkerID(), "empty id keeps the ephemeral UUID")
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	q, _ := newTestQueue(t)

	start := time.Now()
	got, err := q.Dequeue(context.Background(), 150*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestPriorityOrderingWithFIFOWithinLevel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "low", ExecutionID: "e1", Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(ctx, &Item{ID: "normal-1", ExecutionID: "e2", Priority: PriorityNormal}))
	require.NoError(t, q.Enqueue(ctx, &Item{ID: "critical", ExecutionID: "e3", Priority: PriorityCritical}))
	require.NoError(t, q.Enqueue(ctx, &Item{ID: "normal-2", ExecutionID: "e4", Priority: PriorityNormal}))
	require.NoError(t, q.Enqueue(ctx, &Item{ID: "high", ExecutionID: "e5", Priority: PriorityHigh}))

	var order []string
	for range 5 {
		item, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, item)
		order = append(order, item.ID)
	}

	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "low"}, order)
}

func TestEnqueueBatchAtomic(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	items := []*Item{
		{ExecutionID: "e1", Priority: PriorityNormal},
		{ExecutionID: "e2", Priority: PriorityNormal},
		{ExecutionID: "e3", Priority: PriorityHigh},
	}
	n, err := q.EnqueueBatch(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pending)

	n, err = q.EnqueueBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "item-1", ExecutionID: "ex-1"}))
	item, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, q.Complete(ctx, item.ID, json.RawMessage(`{"status":"ok"}`)))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Results)
	assert.Equal(t, int64(1), stats.Processed)
}

func TestFailRequeuesUntilRetriesExhausted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{
		ID:          "item-1",
		ExecutionID: "ex-1",
		Priority:    PriorityNormal,
		MaxRetries:  2,
	}))

	boom := errors.New("handler exploded")

	// Two failures re-queue with incremented retry count and lowered
	// priority; the third lands in failed.
	for attempt := range 3 {
		item, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d", attempt)
		assert.Equal(t, attempt, item.RetryCount)
		assert.Equal(t, PriorityNormal-Priority(attempt), item.Priority)
		require.NoError(t, q.Fail(ctx, item, boom))
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.FailedLocal)
}

func TestFailPriorityFloor(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{
		ID:         "item-1",
		Priority:   PriorityLow,
		MaxRetries: 1,
	}))

	item, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, q.Fail(ctx, item, errors.New("x")))

	item, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, PriorityLow, item.Priority, "priority never drops below the floor")
}

func TestReleaseReturnsItemWithoutRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "item-1", Priority: PriorityHigh, MaxRetries: 3}))
	item, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, q.Release(ctx, item))

	released, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, "item-1", released.ID)
	assert.Equal(t, 0, released.RetryCount, "release never counts a retry")
	assert.Equal(t, PriorityHigh-1, released.Priority)
}

func TestHeartbeatAndActiveWorkers(t *testing.T) {
	q1, mr := newTestQueue(t, WithWorkerID("w1"))
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q2 := New(client, "test_queue", WithWorkerID("w2"))

	require.NoError(t, q1.Heartbeat(ctx))
	require.NoError(t, q2.Heartbeat(ctx))

	active, err := q1.ActiveWorkers(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, active)

	// A worker whose heartbeat fell outside the window drops out.
	active, err = q1.ActiveWorkers(ctx, -1)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	require.NoError(t, client.HSet(ctx, "test_queue:workers", "w2", stale).Err())

	active, err = q1.ActiveWorkers(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, active)
}

func TestReclaimStale(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "stale-1", ExecutionID: "ex-1", MaxRetries: 3}))
	require.NoError(t, q.Enqueue(ctx, &Item{ID: "fresh-1", ExecutionID: "ex-2", MaxRetries: 3}))

	stale, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, stale)

	fresh, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, fresh)

	// Age the first claim past the reclaim timeout.
	past := time.Now().UTC().Add(-time.Hour)
	stale.ProcessingStartedAt = &past
	aged, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, q.client.HSet(ctx, "test_queue:processing", stale.ID, aged).Err())

	n, err := q.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "stale item returned to pending")
	assert.Equal(t, int64(1), stats.Processing, "fresh claim untouched")

	// The reclaimed item comes back with its retry count bumped and no
	// worker assignment.
	reclaimed, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, stale.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.RetryCount)
}

func TestReclaimStaleExhaustedGoesToFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "doomed", ExecutionID: "ex-1", MaxRetries: 0}))
	item, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	past := time.Now().UTC().Add(-time.Hour)
	item.ProcessingStartedAt = &past
	aged, err := json.Marshal(item)
	require.NoError(t, err)
	require.NoError(t, q.client.HSet(ctx, "test_queue:processing", item.ID, aged).Err())

	n, err := q.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Failed)

	raw, err := q.client.HGet(ctx, "test_queue:failed", "doomed").Result()
	require.NoError(t, err)
	assert.Contains(t, raw, "processing timeout")
}

func TestBrokerDownReturnsUnavailable(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	mr.Close()

	err := q.Enqueue(ctx, &Item{ExecutionID: "ex-1"})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = q.Stats(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, q.Ping(ctx), ErrUnavailable)
}

func TestPriorityClamp(t *testing.T) {
	assert.Equal(t, PriorityLow, Priority(0).clamp())
	assert.Equal(t, PriorityLow, Priority(-3).clamp())
	assert.Equal(t, PriorityCritical, Priority(99).clamp())
	assert.Equal(t, PriorityNormal, PriorityNormal.clamp())
}
