package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the broker connection is down. Callers are
// expected to back off rather than spin.
var ErrUnavailable = errors.New("queue unavailable")

const (
	// pollInterval paces the dequeue wait loop.
	pollInterval = 100 * time.Millisecond

	// defaultWorkerWindow bounds how stale a heartbeat may be for a
	// worker to still count as active.
	defaultWorkerWindow = 5 * time.Minute

	// priorityBand spaces priority levels in the pending score so the
	// arrival sequence never crosses into the next band.
	priorityBand = 1e15
)

// dequeueScript atomically pops the lowest-score pending member and
// moves its body from the items hash into processing, so a crash
// between pop and claim can never lose the item.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local body = redis.call('HGET', KEYS[2], id)
redis.call('HDEL', KEYS[2], id)
if not body then
  return false
end
redis.call('HSET', KEYS[3], id, body)
return {id, body}
`)

// Queue is a priority work queue namespaced under a key prefix. Two
// instances with distinct prefixes (events intake, execution work)
// share one broker connection.
type Queue struct {
	client   redis.UniversalClient
	prefix   string
	workerID string
	logger   *slog.Logger

	startedAt time.Time
	processed atomic.Int64
	failed    atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithWorkerID sets the identity stamped on claimed items and
// heartbeats. An empty id keeps the generated ephemeral UUID.
func WithWorkerID(id string) Option {
	return func(q *Queue) {
		if id != "" {
			q.workerID = id
		}
	}
}

// New wraps a broker connection under the given key prefix.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Queue {
	q := &Queue{
		client:    client,
		prefix:    prefix,
		workerID:  uuid.New().String(),
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Connect dials the broker and verifies connectivity.
func Connect(ctx context.Context, url, prefix string, opts ...Option) (*Queue, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect queue: %w", errors.Join(ErrUnavailable, err))
	}
	return New(client, prefix, opts...), nil
}

func (q *Queue) key(sub string) string {
	return q.prefix + ":" + sub
}

// WorkerID returns the identity this queue handle claims items under.
func (q *Queue) WorkerID() string {
	return q.workerID
}

// Enqueue adds an item to pending. The score encodes priority band
// first and arrival order second.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Priority = item.Priority.clamp()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return q.brokerErr("enqueue", err)
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("enqueue: marshal item: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key("items"), item.ID, body)
	pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: q.score(item.Priority, seq), Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return q.brokerErr("enqueue", err)
	}
	return nil
}

// EnqueueBatch adds all items atomically and returns the count
// enqueued.
func (q *Queue) EnqueueBatch(ctx context.Context, items []*Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	// Reserve a contiguous sequence range up front so the single
	// pipeline exec stays all-or-nothing.
	seqEnd, err := q.client.IncrBy(ctx, q.key("seq"), int64(len(items))).Result()
	if err != nil {
		return 0, q.brokerErr("enqueue batch", err)
	}
	seqStart := seqEnd - int64(len(items)) + 1

	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	for i, item := range items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.Priority = item.Priority.clamp()
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}

		body, err := json.Marshal(item)
		if err != nil {
			return 0, fmt.Errorf("enqueue batch: marshal item %s: %w", item.ID, err)
		}
		pipe.HSet(ctx, q.key("items"), item.ID, body)
		pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: q.score(item.Priority, seqStart+int64(i)), Member: item.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, q.brokerErr("enqueue batch", err)
	}
	return len(items), nil
}

// Dequeue pops the highest-priority pending item and claims it for
// this worker. Returns (nil, nil) when nothing arrives within the
// timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(timeout)

	for {
		item, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) tryDequeue(ctx context.Context) (*Item, error) {
	keys := []string{q.key("pending"), q.key("items"), q.key("processing")}
	res, err := dequeueScript.Run(ctx, q.client, keys).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, q.brokerErr("dequeue", err)
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, nil
	}
	body, ok := pair[1].(string)
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected script reply %T", pair[1])
	}

	var item Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, fmt.Errorf("dequeue: unmarshal item: %w", err)
	}

	now := time.Now().UTC()
	item.AssignedWorker = q.workerID
	item.ProcessingStartedAt = &now

	claimed, err := json.Marshal(&item)
	if err != nil {
		return nil, fmt.Errorf("dequeue: marshal claim: %w", err)
	}
	if err := q.client.HSet(ctx, q.key("processing"), item.ID, claimed).Err(); err != nil {
		return nil, q.brokerErr("dequeue", err)
	}
	return &item, nil
}

// Complete removes an item from processing and records its result.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	var executionID string
	if raw, err := q.client.HGet(ctx, q.key("processing"), id).Result(); err == nil {
		var item Item
		if json.Unmarshal([]byte(raw), &item) == nil {
			executionID = item.ExecutionID
		}
	}

	record, err := json.Marshal(resultRecord{
		ID:          id,
		ExecutionID: executionID,
		Result:      result,
		CompletedAt: time.Now().UTC(),
		Worker:      q.workerID,
	})
	if err != nil {
		return fmt.Errorf("complete: marshal result: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.key("processing"), id)
	pipe.HSet(ctx, q.key("results"), id, record)
	if _, err := pipe.Exec(ctx); err != nil {
		return q.brokerErr("complete", err)
	}

	q.processed.Add(1)
	return nil
}

// Fail either re-enqueues the item with an incremented retry count and
// a lowered priority, or records the final failure once retries are
// spent. Removal from processing happens in the same atomic unit as
// the re-add, so a crash mid-call never strands the item.
func (q *Queue) Fail(ctx context.Context, item *Item, failure error) error {
	if item.RetryCount < item.MaxRetries {
		retry := *item
		retry.RetryCount++
		retry.AssignedWorker = ""
		retry.ProcessingStartedAt = nil
		if retry.Priority > PriorityLow {
			retry.Priority--
		}

		q.logger.Warn("Re-queueing failed item",
			"item_id", item.ID,
			"retry_count", retry.RetryCount,
			"max_retries", retry.MaxRetries,
			"priority", retry.Priority)
		return q.requeue(ctx, "fail", &retry)
	}

	msg := "unknown failure"
	if failure != nil {
		msg = failure.Error()
	}
	record, err := json.Marshal(failedRecord{
		Item:       *item,
		FinalError: msg,
		FailedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("fail: marshal record: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.key("processing"), item.ID)
	pipe.HSet(ctx, q.key("failed"), item.ID, record)
	if _, err := pipe.Exec(ctx); err != nil {
		return q.brokerErr("fail", err)
	}

	q.failed.Add(1)
	q.logger.Error("Item exhausted retries",
		"item_id", item.ID,
		"retry_count", item.RetryCount,
		"error", msg)
	return nil
}

// Release returns a claimed item to pending without counting a retry,
// lowering its priority one level. Used when a worker defers work it
// cannot start yet.
func (q *Queue) Release(ctx context.Context, item *Item) error {
	released := *item
	released.AssignedWorker = ""
	released.ProcessingStartedAt = nil
	if released.Priority > PriorityLow {
		released.Priority--
	}
	return q.requeue(ctx, "release", &released)
}

// requeue moves an item from processing back to pending. The removal
// and the re-add run in one transactional pipeline; a fault before the
// pipeline leaves the item claimed, where the reclaimer will find it.
func (q *Queue) requeue(ctx context.Context, op string, item *Item) error {
	item.Priority = item.Priority.clamp()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	seq, err := q.client.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return q.brokerErr(op, err)
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%s: marshal item: %w", op, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.key("processing"), item.ID)
	pipe.HSet(ctx, q.key("items"), item.ID, body)
	pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: q.score(item.Priority, seq), Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return q.brokerErr(op, err)
	}
	return nil
}

// Heartbeat records this worker as alive.
func (q *Queue) Heartbeat(ctx context.Context) error {
	err := q.client.HSet(ctx, q.key("workers"), q.workerID, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return q.brokerErr("heartbeat", err)
	}
	return nil
}

// ActiveWorkers returns worker IDs with a heartbeat inside the window.
// A non-positive window uses the 5 minute default.
func (q *Queue) ActiveWorkers(ctx context.Context, window time.Duration) ([]string, error) {
	if window <= 0 {
		window = defaultWorkerWindow
	}

	beats, err := q.client.HGetAll(ctx, q.key("workers")).Result()
	if err != nil {
		return nil, q.brokerErr("active workers", err)
	}

	cutoff := time.Now().UTC().Add(-window)
	var active []string
	for id, stamp := range beats {
		t, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			continue
		}
		if t.After(cutoff) {
			active = append(active, id)
		}
	}
	return active, nil
}

// ReclaimStale scans processing and returns items whose claim is older
// than the timeout to pending, respecting max_retries. Reports how
// many items were reclaimed or failed out.
func (q *Queue) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	entries, err := q.client.HGetAll(ctx, q.key("processing")).Result()
	if err != nil {
		return 0, q.brokerErr("reclaim stale", err)
	}

	now := time.Now().UTC()
	reclaimed := 0
	for id, raw := range entries {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			q.logger.Warn("Dropping undecodable processing entry", "item_id", id)
			q.client.HDel(ctx, q.key("processing"), id)
			continue
		}

		startedAt := item.CreatedAt
		if item.ProcessingStartedAt != nil {
			startedAt = *item.ProcessingStartedAt
		}
		if now.Sub(startedAt) <= timeout {
			continue
		}

		if err := q.Fail(ctx, &item, errors.New("processing timeout")); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Stats snapshots sub-queue depths and worker-local counters.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.key("pending"))
	processing := pipe.HLen(ctx, q.key("processing"))
	results := pipe.HLen(ctx, q.key("results"))
	failed := pipe.HLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, q.brokerErr("stats", err)
	}

	return &Stats{
		Pending:     pending.Val(),
		Processing:  processing.Val(),
		Results:     results.Val(),
		Failed:      failed.Val(),
		Processed:   q.processed.Load(),
		FailedLocal: q.failed.Load(),
		Uptime:      time.Since(q.startedAt),
	}, nil
}

// Ping verifies broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return q.brokerErr("ping", err)
	}
	return nil
}

// score places an item in its priority band, FIFO within the band.
// Lower scores pop first.
func (q *Queue) score(p Priority, seq int64) float64 {
	return float64(PriorityCritical-p)*priorityBand + float64(seq)
}

// brokerErr classifies broker failures as unavailability so callers
// can back off.
func (q *Queue) brokerErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}
