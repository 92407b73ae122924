package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/queue"
	"github.com/flowhook/flowhook/store"
)

type fakeStore struct {
	triggers    []store.WorkflowTrigger
	workflows   map[string]*store.Workflow
	executions  map[string]*store.WorkflowExecution // keyed by external id
	eventStatus map[string]store.EventStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows:   make(map[string]*store.Workflow),
		executions:  make(map[string]*store.WorkflowExecution),
		eventStatus: make(map[string]store.EventStatus),
	}
}

func (f *fakeStore) ListEnabledTriggers(_ context.Context, _ store.TriggerType) ([]store.WorkflowTrigger, error) {
	return f.triggers, nil
}

func (f *fakeStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, fmt.Errorf("get workflow: %w", store.ErrNotFound)
	}
	return wf, nil
}

func (f *fakeStore) FindExecutionByExternalID(_ context.Context, externalID string, _ time.Time) (*store.WorkflowExecution, error) {
	e, ok := f.executions[externalID]
	if !ok {
		return nil, fmt.Errorf("find execution: %w", store.ErrNotFound)
	}
	return e, nil
}

func (f *fakeStore) CreateExecution(_ context.Context, e *store.WorkflowExecution) error {
	if _, exists := f.executions[e.ExternalID]; exists {
		return fmt.Errorf("create execution: %w", store.ErrConflict)
	}
	e.ID = "exec-" + e.ExternalID
	f.executions[e.ExternalID] = e
	return nil
}

func (f *fakeStore) UpdateEventStatus(_ context.Context, id string, status store.EventStatus, _ string) error {
	f.eventStatus[id] = status
	return nil
}

type fakeWorkQueue struct {
	items []*queue.Item
}

func (f *fakeWorkQueue) Enqueue(_ context.Context, item *queue.Item) error {
	f.items = append(f.items, item)
	return nil
}

func commentTrigger(workflowID string) store.WorkflowTrigger {
	return store.WorkflowTrigger{
		ID:          "trg-" + workflowID,
		WorkflowID:  workflowID,
		TriggerType: store.TriggerWebhook,
		Enabled:     true,
		Conditions:  &store.Predicate{Field: "event_type", Op: "eq", Operand: "issue_comment"},
	}
}

func TestHandleMatchesTriggerAndEnqueues(t *testing.T) {
	fs := newFakeStore()
	fs.triggers = []store.WorkflowTrigger{commentTrigger("wf-1")}
	fs.workflows["wf-1"] = &store.Workflow{
		ID: "wf-1", Name: "review", Status: store.WorkflowActive,
		Config: store.JSONMap{"priority": "high"},
	}
	wq := &fakeWorkQueue{}
	d := New(fs, nil, wq)

	ev := &Event{
		IntegrationID: "int-1",
		EventType:     "issue_comment",
		EventID:       "evt-1",
		RecordID:      "rec-1",
		Envelope:      map[string]any{"action": "created"},
	}
	require.NoError(t, d.Handle(context.Background(), ev))

	require.Len(t, wq.items, 1)
	assert.Equal(t, queue.PriorityHigh, wq.items[0].Priority)
	assert.Equal(t, 3, wq.items[0].MaxRetries)

	exec := fs.executions["int-1:evt-1:wf-1"]
	require.NotNil(t, exec)
	assert.Equal(t, store.ExecutionPending, exec.Status)
	assert.Equal(t, "wf-1", exec.WorkflowID)
	assert.Equal(t, "created", exec.TriggerData["action"])

	assert.Equal(t, store.EventCompleted, fs.eventStatus["rec-1"])
}

func TestHandleNoMatchMarksIgnored(t *testing.T) {
	fs := newFakeStore()
	fs.triggers = []store.WorkflowTrigger{commentTrigger("wf-1")}
	fs.workflows["wf-1"] = &store.Workflow{ID: "wf-1", Name: "review", Status: store.WorkflowActive}
	wq := &fakeWorkQueue{}
	d := New(fs, nil, wq)

	ev := &Event{
		IntegrationID: "int-1",
		EventType:     "push",
		EventID:       "evt-2",
		RecordID:      "rec-2",
	}
	require.NoError(t, d.Handle(context.Background(), ev))

	assert.Empty(t, wq.items)
	assert.Empty(t, fs.executions)
	assert.Equal(t, store.EventIgnored, fs.eventStatus["rec-2"])
}

func TestHandleSkipsDuplicateWithinWindow(t *testing.T) {
	fs := newFakeStore()
	fs.triggers = []store.WorkflowTrigger{commentTrigger("wf-1")}
	fs.workflows["wf-1"] = &store.Workflow{ID: "wf-1", Name: "review", Status: store.WorkflowActive}
	wq := &fakeWorkQueue{}
	d := New(fs, nil, wq)
	ctx := context.Background()

	ev := &Event{IntegrationID: "int-1", EventType: "issue_comment", EventID: "evt-1"}
	require.NoError(t, d.Handle(ctx, ev))
	require.Len(t, wq.items, 1)

	// Redelivery of the same external event creates nothing new.
	require.NoError(t, d.Handle(ctx, ev))
	assert.Len(t, wq.items, 1)
	assert.Len(t, fs.executions, 1)
}

func TestHandleFansOutToMultipleWorkflows(t *testing.T) {
	fs := newFakeStore()
	fs.triggers = []store.WorkflowTrigger{commentTrigger("wf-1"), commentTrigger("wf-2")}
	fs.workflows["wf-1"] = &store.Workflow{ID: "wf-1", Name: "review", Status: store.WorkflowActive}
	fs.workflows["wf-2"] = &store.Workflow{ID: "wf-2", Name: "label", Status: store.WorkflowActive}
	wq := &fakeWorkQueue{}
	d := New(fs, nil, wq)

	ev := &Event{IntegrationID: "int-1", EventType: "issue_comment", EventID: "evt-1"}
	require.NoError(t, d.Handle(context.Background(), ev))

	assert.Len(t, wq.items, 2)
	assert.Len(t, fs.executions, 2)
}

func TestRunConsumesQueue(t *testing.T) {
	fs := newFakeStore()
	fs.triggers = []store.WorkflowTrigger{commentTrigger("wf-1")}
	fs.workflows["wf-1"] = &store.Workflow{ID: "wf-1", Name: "review", Status: store.WorkflowActive}
	wq := &fakeWorkQueue{}

	payload, err := json.Marshal(Event{IntegrationID: "int-1", EventType: "issue_comment", EventID: "evt-1"})
	require.NoError(t, err)

	eq := &fakeEventQueue{items: []*queue.Item{{ID: "item-1", Payload: payload}}}
	d := New(fs, eq, wq)

	ctx, cancel := context.WithCancel(context.Background())
	eq.onEmpty = cancel

	err = d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, wq.items, 1)
	assert.Equal(t, []string{"item-1"}, eq.completed)
}

type fakeEventQueue struct {
	items     []*queue.Item
	completed []string
	failed    []string
	onEmpty   func()
}

func (f *fakeEventQueue) Dequeue(ctx context.Context, _ time.Duration) (*queue.Item, error) {
	if len(f.items) == 0 {
		if f.onEmpty != nil {
			f.onEmpty()
		}
		return nil, ctx.Err()
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, nil
}

func (f *fakeEventQueue) Complete(_ context.Context, id string, _ json.RawMessage) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeEventQueue) Fail(_ context.Context, item *queue.Item, _ error) error {
	f.failed = append(f.failed, item.ID)
	return nil
}

func TestWorkflowPriority(t *testing.T) {
	tests := []struct {
		name   string
		config store.JSONMap
		want   queue.Priority
	}{
		{"nil config", nil, queue.PriorityNormal},
		{"named low", store.JSONMap{"priority": "low"}, queue.PriorityLow},
		{"named critical", store.JSONMap{"priority": "critical"}, queue.PriorityCritical},
		{"numeric from json", store.JSONMap{"priority": float64(8)}, queue.PriorityHigh},
		{"numeric out of range", store.JSONMap{"priority": float64(42)}, queue.PriorityNormal},
		{"unknown name", store.JSONMap{"priority": "urgent"}, queue.PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, workflowPriority(tt.config))
		})
	}
}
