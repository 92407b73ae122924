package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowhook/flowhook/metrics"
	"github.com/flowhook/flowhook/queue"
)

const (
	dequeueTimeout   = 10 * time.Second
	unavailableRetry = 5 * time.Second

	// DefaultReclaimInterval paces the stale-item sweep.
	DefaultReclaimInterval = time.Minute

	// DefaultStaleTimeout is how long a processing claim may age
	// before reclaim.
	DefaultStaleTimeout = 30 * time.Minute
)

// Pool runs a fixed set of workers over the work queue plus one
// reclaimer loop. Each worker is the canonical loop: heartbeat,
// dequeue with timeout, process.
type Pool struct {
	engine  *Engine
	count   int
	logger  *slog.Logger
	metrics *metrics.Metrics

	reclaimInterval time.Duration
	staleTimeout    time.Duration
}

// queueObserver is the optional stats surface a work queue may expose.
type queueObserver interface {
	Stats(ctx context.Context) (*queue.Stats, error)
	ActiveWorkers(ctx context.Context, window time.Duration) ([]string, error)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithPoolMetrics enables periodic queue-depth and worker gauges.
func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithReclaim overrides the reclaim cadence and stale threshold.
func WithReclaim(interval, staleTimeout time.Duration) PoolOption {
	return func(p *Pool) {
		if interval > 0 {
			p.reclaimInterval = interval
		}
		if staleTimeout > 0 {
			p.staleTimeout = staleTimeout
		}
	}
}

// NewPool builds a worker pool. A non-positive count runs one worker.
func NewPool(engine *Engine, count int, opts ...PoolOption) *Pool {
	if count <= 0 {
		count = 1
	}
	p := &Pool{
		engine:          engine,
		count:           count,
		logger:          slog.Default(),
		reclaimInterval: DefaultReclaimInterval,
		staleTimeout:    DefaultStaleTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until the context is cancelled, then waits for workers
// to finish their current item.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Worker pool starting",
		"workers", p.count,
		"reclaim_interval", p.reclaimInterval,
		"stale_timeout", p.staleTimeout)

	var wg sync.WaitGroup
	for i := 0; i < p.count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.workerLoop(ctx, n)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reclaimLoop(ctx)
	}()

	wg.Wait()
	p.logger.Info("Worker pool stopped")
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, n int) {
	logger := p.logger.With("worker", n)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.engine.work.Heartbeat(ctx); err != nil {
			logger.Warn("Heartbeat failed", "error", err)
		}

		item, err := p.engine.work.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrUnavailable) {
				logger.Warn("Work queue unavailable, backing off", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(unavailableRetry):
				}
				continue
			}
			logger.Error("Dequeue failed", "error", err)
			continue
		}
		if item == nil {
			continue
		}

		if err := p.engine.ProcessItem(ctx, item); err != nil {
			logger.Error("Item processing failed",
				"item_id", item.ID,
				"execution_id", item.ExecutionID,
				"error", err)
		}
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.engine.work.ReclaimStale(ctx, p.staleTimeout)
			if err != nil {
				p.logger.Warn("Reclaim sweep failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("Reclaimed stale items", "count", n)
			}
			p.sampleQueue(ctx)
		}
	}
}

// sampleQueue publishes queue gauges when the work queue exposes stats
// and metrics are configured.
func (p *Pool) sampleQueue(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	obs, ok := p.engine.work.(queueObserver)
	if !ok {
		return
	}

	if stats, err := obs.Stats(ctx); err == nil {
		p.metrics.SetQueueDepth("work", "pending", stats.Pending)
		p.metrics.SetQueueDepth("work", "processing", stats.Processing)
		p.metrics.SetQueueDepth("work", "failed", stats.Failed)
	}
	if workers, err := obs.ActiveWorkers(ctx, 0); err == nil {
		p.metrics.SetActiveWorkers(len(workers))
	}
}
