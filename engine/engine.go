// Package engine executes workflow actions in order for a single
// execution, honouring per-action retries, timeouts, cancellation,
// and the per-workflow concurrency bound.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/flowhook/flowhook/auth"
	"github.com/flowhook/flowhook/metrics"
	"github.com/flowhook/flowhook/queue"
	"github.com/flowhook/flowhook/sanitize"
	"github.com/flowhook/flowhook/store"
)

const (
	// defaultActionTimeout applies when neither the action nor the
	// workflow configures one.
	defaultActionTimeout = 300 * time.Second

	// maxActionTimeout is the hard ceiling on any single invocation.
	maxActionTimeout = 3600 * time.Second

	// defaultActionRetries bounds per-action retry attempts.
	defaultActionRetries = 3

	// defaultMaxConcurrent bounds running executions per workflow.
	defaultMaxConcurrent = 10

	// maxErrorMessageLen matches the persisted column bound.
	maxErrorMessageLen = 4096
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error)
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	ListActions(ctx context.Context, workflowID string) ([]store.WorkflowAction, error)
	MarkExecutionRunning(ctx context.Context, id string) error
	CreateRetryExecution(ctx context.Context, parent *store.WorkflowExecution) (*store.WorkflowExecution, error)
	FinishExecution(ctx context.Context, id string, status store.ExecutionStatus, result store.JSONMap, errorMessage string) error
	CountRunningExecutions(ctx context.Context, workflowID string) (int, error)
	AppendLog(ctx context.Context, l *store.ExecutionLog) error
}

// WorkQueue is the consumer surface of the work queue.
type WorkQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Item, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, item *queue.Item, failure error) error
	Release(ctx context.Context, item *queue.Item) error
	Heartbeat(ctx context.Context) error
	ReclaimStale(ctx context.Context, timeout time.Duration) (int, error)
	WorkerID() string
}

// Notifier announces terminal executions.
type Notifier interface {
	PublishExecutionFinished(ctx context.Context, executionID, workflowID, status string) error
}

// Engine runs executions pulled off the work queue.
type Engine struct {
	store    Store
	work     WorkQueue
	registry *Registry
	auth     *auth.Manager
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics

	maxConcurrent int
	backoffBase   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithNotifier sets the terminal-execution announcer.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithMaxConcurrent overrides the per-workflow concurrency bound.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithBackoffBase overrides the retry backoff base. Tests shrink it.
func WithBackoffBase(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.backoffBase = d
		}
	}
}

// New builds an Engine.
func New(st Store, work WorkQueue, registry *Registry, authz *auth.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		work:          work,
		registry:      registry,
		auth:          authz,
		logger:        slog.Default(),
		maxConcurrent: defaultMaxConcurrent,
		backoffBase:   time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessItem runs one work item end to end. The returned error is
// diagnostic; item disposition (complete, fail, release) has already
// happened.
func (e *Engine) ProcessItem(ctx context.Context, item *queue.Item) error {
	exec, err := e.store.GetExecution(ctx, item.ExecutionID)
	if err != nil {
		_ = e.work.Fail(ctx, item, err)
		return fmt.Errorf("load execution %s: %w", item.ExecutionID, err)
	}

	if exec.Status.IsTerminal() {
		// A redelivered item whose execution failed or timed out is the
		// whole-execution retry edge: a fresh pending row linked to the
		// terminal parent, which stays untouched.
		if exec.Status != store.ExecutionFailed && exec.Status != store.ExecutionTimeout {
			err := fmt.Errorf("execution %s already terminal in %s", exec.ID, exec.Status)
			_ = e.work.Fail(ctx, item, err)
			return err
		}

		child, err := e.store.CreateRetryExecution(ctx, exec)
		if err != nil {
			_ = e.work.Fail(ctx, item, err)
			return fmt.Errorf("create retry execution: %w", err)
		}
		e.logger.Info("Retrying terminal execution",
			"parent_execution_id", exec.ID,
			"execution_id", child.ID,
			"retry_count", child.RetryCount)
		exec = child
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		_ = e.work.Fail(ctx, item, err)
		return fmt.Errorf("load workflow %s: %w", exec.WorkflowID, err)
	}

	// Per-workflow concurrency bound: defer rather than start.
	limit := workflowConcurrency(wf.Config, e.maxConcurrent)
	running, err := e.store.CountRunningExecutions(ctx, wf.ID)
	if err != nil {
		_ = e.work.Fail(ctx, item, err)
		return fmt.Errorf("count running executions: %w", err)
	}
	if running >= limit {
		e.logger.Info("Deferring execution, workflow at concurrency limit",
			"workflow_id", wf.ID,
			"execution_id", exec.ID,
			"running", running,
			"limit", limit)
		return e.work.Release(ctx, item)
	}

	switch exec.Status {
	case store.ExecutionPending:
		if err := e.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
			_ = e.work.Fail(ctx, item, err)
			return fmt.Errorf("mark running: %w", err)
		}
	case store.ExecutionRunning:
		// The item was reclaimed from a crashed worker; resume.
		e.logger.Warn("Resuming abandoned execution",
			"execution_id", exec.ID,
			"retry_count", item.RetryCount)
	}

	status, result, errMsg := e.runActions(ctx, wf, exec)

	if err := e.store.FinishExecution(ctx, exec.ID, status, result, errMsg); err != nil {
		e.logger.Error("Failed to finish execution", "execution_id", exec.ID, "error", err)
	}
	e.metrics.IncExecution(string(status))
	if e.notifier != nil {
		_ = e.notifier.PublishExecutionFinished(ctx, exec.ID, wf.ID, string(status))
	}

	if status == store.ExecutionCompleted {
		var resultJSON json.RawMessage
		if result != nil {
			resultJSON, _ = json.Marshal(result)
		}
		return e.work.Complete(ctx, item.ID, resultJSON)
	}
	return e.work.Fail(ctx, item, errors.New(errMsg))
}

// runActions executes the workflow's actions in order and returns the
// terminal status, the result projection, and the error message.
func (e *Engine) runActions(ctx context.Context, wf *store.Workflow, exec *store.WorkflowExecution) (store.ExecutionStatus, store.JSONMap, string) {
	actions, err := e.store.ListActions(ctx, wf.ID)
	if err != nil {
		return store.ExecutionFailed, nil, fmt.Sprintf("load actions: %v", err)
	}

	// Accumulated context starts as the trigger envelope; handler
	// outputs merge on top, key by key.
	accum := make(store.JSONMap, len(exec.TriggerData))
	for k, v := range exec.TriggerData {
		accum[k] = v
	}

	executionDeadline := time.Now().Add(workflowTimeout(wf.Config))

	for i := range actions {
		a := &actions[i]

		if !a.Conditions.Matches(accum) {
			e.log(ctx, exec.ID, store.LevelInfo, "Action skipped by conditions", a, nil)
			continue
		}

		if !e.auth.Authorize(ctx, auth.Request{
			UserID:       e.work.WorkerID(),
			Roles:        []string{"worker"},
			ResourceType: "action",
			ResourceID:   a.ID,
			Action:       "execute",
		}) {
			e.log(ctx, exec.ID, store.LevelError, "Action denied by authorization", a, nil)
			return store.ExecutionFailed, nil, fmt.Sprintf("action %s denied by authorization", a.ActionName)
		}

		status, errMsg := e.runAction(ctx, exec, a, accum, executionDeadline)
		switch status {
		case store.ExecutionRunning:
			// Action done, keep going.
		case store.ExecutionCompleted:
			// continue_on_error swallowed a failure.
		default:
			return status, nil, errMsg
		}
	}

	return store.ExecutionCompleted, accum, ""
}

// runAction invokes one action with retries. It returns
// ExecutionRunning on success, ExecutionCompleted when a failure was
// swallowed by continue_on_error, and a terminal status otherwise.
func (e *Engine) runAction(ctx context.Context, exec *store.WorkflowExecution, a *store.WorkflowAction, accum store.JSONMap, executionDeadline time.Time) (store.ExecutionStatus, string) {
	handler, ok := e.registry.Get(a.ActionType)
	if !ok {
		msg := fmt.Sprintf("unknown action type %q", a.ActionType)
		e.log(ctx, exec.ID, store.LevelError, msg, a, nil)
		if a.ContinueOnError {
			return store.ExecutionCompleted, ""
		}
		return store.ExecutionFailed, msg
	}

	maxRetries := a.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultActionRetries
	}

	for attempt := 0; ; attempt++ {
		timeout := actionTimeout(a, executionDeadline)
		if timeout <= 0 {
			e.log(ctx, exec.ID, store.LevelError, "Execution budget exhausted", a, nil)
			return store.ExecutionTimeout, fmt.Sprintf("action %s: execution budget exhausted", a.ActionName)
		}

		actionCtx, cancel := context.WithTimeout(ctx, timeout)
		started := time.Now()
		out, err := handler(actionCtx, &ActionRequest{Action: a, Execution: exec, Context: accum})
		cancel()
		elapsed := time.Since(started)

		if err == nil {
			for k, v := range out {
				accum[k] = v
			}
			e.metrics.ObserveAction(a.ActionType, "success", elapsed)
			e.log(ctx, exec.ID, store.LevelInfo, "Action completed", a, store.JSONMap{
				"attempt":     attempt + 1,
				"duration_ms": elapsed.Milliseconds(),
			})
			return store.ExecutionRunning, ""
		}

		if ctx.Err() != nil {
			// Parent cancellation outranks everything.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				e.metrics.ObserveAction(a.ActionType, "timeout", elapsed)
				return store.ExecutionTimeout, fmt.Sprintf("action %s: deadline exceeded", a.ActionName)
			}
			e.metrics.ObserveAction(a.ActionType, "cancelled", elapsed)
			return store.ExecutionCancelled, fmt.Sprintf("action %s: cancelled", a.ActionName)
		}

		if errors.Is(err, context.DeadlineExceeded) {
			e.metrics.ObserveAction(a.ActionType, "timeout", elapsed)
			e.log(ctx, exec.ID, store.LevelError, "Action deadline exceeded", a, store.JSONMap{
				"timeout_seconds": timeout.Seconds(),
			})
			return store.ExecutionTimeout, fmt.Sprintf("action %s: deadline exceeded", a.ActionName)
		}

		if IsRetriable(err) && attempt < maxRetries {
			e.metrics.IncActionRetry(a.ActionType)
			e.log(ctx, exec.ID, store.LevelWarning, "Action failed, retrying", a, store.JSONMap{
				"attempt": attempt + 1,
				"error":   sanitize.Sanitize(err.Error()),
			})
			if !e.backoff(ctx, attempt) {
				return store.ExecutionCancelled, fmt.Sprintf("action %s: cancelled", a.ActionName)
			}
			continue
		}

		// Non-retriable, or retries exhausted.
		msg := sanitize.Truncate(sanitize.Sanitize(err.Error()), maxErrorMessageLen)
		e.metrics.ObserveAction(a.ActionType, "failure", elapsed)
		e.log(ctx, exec.ID, store.LevelError, "Action failed", a, store.JSONMap{
			"attempt": attempt + 1,
			"error":   msg,
		})

		if a.ContinueOnError {
			return store.ExecutionCompleted, ""
		}
		return store.ExecutionFailed, fmt.Sprintf("action %s: %s", a.ActionName, msg)
	}
}

// backoff sleeps an exponentially growing, jittered interval. Returns
// false when the context was cancelled mid-wait.
func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	d := e.backoffBase << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// log writes an execution log row; failures are reported but never
// interrupt the run.
func (e *Engine) log(ctx context.Context, executionID string, level store.LogLevel, message string, a *store.WorkflowAction, metadata store.JSONMap) {
	entry := &store.ExecutionLog{
		ExecutionID: executionID,
		Level:       level,
		Message:     message,
		Metadata:    metadata,
	}
	if a != nil {
		entry.ActionID = &a.ID
		entry.StepName = a.ActionName
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("Failed to append execution log", "execution_id", executionID, "error", err)
	}
}

// actionTimeout derives one invocation's deadline from the action, the
// remaining execution budget, and the global bounds.
func actionTimeout(a *store.WorkflowAction, executionDeadline time.Time) time.Duration {
	timeout := defaultActionTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}
	if timeout > maxActionTimeout {
		timeout = maxActionTimeout
	}
	if remaining := time.Until(executionDeadline); remaining < timeout {
		timeout = remaining
	}
	return timeout
}

// workflowTimeout reads the workflow-level budget, default and ceiling
// per the action bounds.
func workflowTimeout(config store.JSONMap) time.Duration {
	if v, ok := config["timeout_seconds"].(float64); ok && v > 0 {
		d := time.Duration(v) * time.Second
		if d > maxActionTimeout {
			return maxActionTimeout
		}
		return d
	}
	return maxActionTimeout
}

// workflowConcurrency reads the per-workflow bound, falling back to
// the engine default.
func workflowConcurrency(config store.JSONMap, fallback int) int {
	if v, ok := config["max_concurrent"].(float64); ok && v >= 1 {
		return int(v)
	}
	return fallback
}
