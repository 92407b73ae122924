// Package dispatch routes inbound events to workflow executions. It
// consumes event records from the events queue, matches enabled
// triggers by predicate, and enqueues work items for the engine.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowhook/flowhook/metrics"
	"github.com/flowhook/flowhook/queue"
	"github.com/flowhook/flowhook/store"
)

// dedupWindow bounds how long an external event suppresses duplicate
// executions.
const dedupWindow = 24 * time.Hour

// Event is the record intake enqueues and the dispatcher consumes.
type Event struct {
	IntegrationID string         `json:"integration_id"`
	EventType     string         `json:"event_type"`
	EventID       string         `json:"event_id"`
	RecordID      string         `json:"record_id,omitempty"`
	Envelope      map[string]any `json:"envelope,omitempty"`
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	ListEnabledTriggers(ctx context.Context, triggerType store.TriggerType) ([]store.WorkflowTrigger, error)
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	FindExecutionByExternalID(ctx context.Context, externalID string, since time.Time) (*store.WorkflowExecution, error)
	CreateExecution(ctx context.Context, e *store.WorkflowExecution) error
	UpdateEventStatus(ctx context.Context, id string, status store.EventStatus, errorMessage string) error
}

// WorkQueue is the producer side of the work queue.
type WorkQueue interface {
	Enqueue(ctx context.Context, item *queue.Item) error
}

// EventQueue is the consumer side of the events queue.
type EventQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Item, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, item *queue.Item, failure error) error
}

// Dispatcher turns matched events into pending executions.
type Dispatcher struct {
	store   Store
	events  EventQueue
	work    WorkQueue
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New builds a Dispatcher.
func New(st Store, events EventQueue, work WorkQueue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		events: events,
		work:   work,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes the events queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started")

	for {
		item, err := d.events.Dequeue(ctx, 10*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrUnavailable) {
				d.logger.Warn("Events queue unavailable, backing off", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Second):
				}
				continue
			}
			d.logger.Error("Dequeue failed", "error", err)
			continue
		}
		if item == nil {
			continue
		}

		var ev Event
		if err := json.Unmarshal(item.Payload, &ev); err != nil {
			d.logger.Error("Dropping undecodable event item", "item_id", item.ID, "error", err)
			_ = d.events.Fail(ctx, item, fmt.Errorf("decode event: %w", err))
			continue
		}

		if err := d.Handle(ctx, &ev); err != nil {
			d.logger.Error("Event dispatch failed",
				"integration_id", ev.IntegrationID,
				"event_type", ev.EventType,
				"error", err)
			_ = d.events.Fail(ctx, item, err)
			continue
		}
		_ = d.events.Complete(ctx, item.ID, nil)
	}
}

// Handle matches one event against enabled triggers and creates an
// execution plus a work item per match. Duplicate events inside the
// dedup window are skipped.
func (d *Dispatcher) Handle(ctx context.Context, ev *Event) error {
	triggers, err := d.store.ListEnabledTriggers(ctx, store.TriggerWebhook)
	if err != nil {
		d.markEvent(ctx, ev, store.EventFailed, err.Error())
		return fmt.Errorf("list triggers: %w", err)
	}

	envelope := d.envelope(ev)
	matched := 0
	for i := range triggers {
		t := &triggers[i]
		if !t.Conditions.Matches(envelope) {
			continue
		}
		matched++

		if err := d.dispatchTo(ctx, t, ev, envelope); err != nil {
			d.markEvent(ctx, ev, store.EventFailed, err.Error())
			return err
		}
	}

	if matched == 0 {
		d.logger.Debug("No trigger matched event",
			"integration_id", ev.IntegrationID,
			"event_type", ev.EventType)
		d.markEvent(ctx, ev, store.EventIgnored, "")
		return nil
	}

	d.markEvent(ctx, ev, store.EventCompleted, "")
	return nil
}

func (d *Dispatcher) dispatchTo(ctx context.Context, t *store.WorkflowTrigger, ev *Event, envelope map[string]any) error {
	wf, err := d.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", t.WorkflowID, err)
	}

	externalID := externalExecutionID(ev, wf.ID)

	// At-most-once per external event inside the window.
	if prior, err := d.store.FindExecutionByExternalID(ctx, externalID, time.Now().UTC().Add(-dedupWindow)); err == nil {
		d.logger.Warn("Skipping duplicate event",
			"execution_id", externalID,
			"prior_status", prior.Status,
			"workflow_id", wf.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("dedup lookup: %w", err)
	}

	exec := &store.WorkflowExecution{
		WorkflowID:  wf.ID,
		ExternalID:  externalID,
		Status:      store.ExecutionPending,
		TriggerType: string(store.TriggerWebhook),
		TriggerData: envelope,
	}
	if err := d.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the race to a concurrent dispatcher.
			d.logger.Warn("Skipping duplicate event", "execution_id", externalID)
			return nil
		}
		return fmt.Errorf("create execution: %w", err)
	}

	item := &queue.Item{
		ExecutionID: exec.ID,
		Priority:    workflowPriority(wf.Config),
		MaxRetries:  workflowMaxRetries(wf.Config),
	}
	if err := d.work.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue work item: %w", err)
	}

	d.logger.Info("Dispatched execution",
		"workflow_id", wf.ID,
		"execution_id", exec.ID,
		"external_id", externalID,
		"priority", item.Priority)
	return nil
}

func (d *Dispatcher) markEvent(ctx context.Context, ev *Event, status store.EventStatus, msg string) {
	if ev.RecordID == "" {
		return
	}
	if err := d.store.UpdateEventStatus(ctx, ev.RecordID, status, msg); err != nil {
		d.logger.Warn("Failed to update event status", "record_id", ev.RecordID, "error", err)
	}
}

// envelope builds the predicate evaluation context for an event.
func (d *Dispatcher) envelope(ev *Event) map[string]any {
	env := map[string]any{
		"integration_id": ev.IntegrationID,
		"event_type":     ev.EventType,
		"event_id":       ev.EventID,
	}
	for k, v := range ev.Envelope {
		env[k] = v
	}
	return env
}

// externalExecutionID derives the dedup key. The workflow component
// keeps one external event able to fan out to several workflows while
// staying at-most-once per workflow.
func externalExecutionID(ev *Event, workflowID string) string {
	eventID := ev.EventID
	if eventID == "" {
		eventID = ev.RecordID
	}
	return fmt.Sprintf("%s:%s:%s", ev.IntegrationID, eventID, workflowID)
}

// workflowPriority reads the configured priority, defaulting to
// NORMAL. Accepts a level name or a numeric value.
func workflowPriority(config store.JSONMap) queue.Priority {
	raw, ok := config["priority"]
	if !ok {
		return queue.PriorityNormal
	}

	switch v := raw.(type) {
	case string:
		switch v {
		case "low":
			return queue.PriorityLow
		case "normal":
			return queue.PriorityNormal
		case "high":
			return queue.PriorityHigh
		case "critical":
			return queue.PriorityCritical
		}
	case float64:
		if v >= 1 && v <= 10 {
			return queue.Priority(v)
		}
	case int:
		if v >= 1 && v <= 10 {
			return queue.Priority(v)
		}
	}
	return queue.PriorityNormal
}

// workflowMaxRetries reads the configured queue retry bound, default 3.
func workflowMaxRetries(config store.JSONMap) int {
	switch v := config["max_retries"].(type) {
	case float64:
		if v >= 0 {
			return int(v)
		}
	case int:
		if v >= 0 {
			return v
		}
	}
	return 3
}
