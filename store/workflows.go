package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateWorkflow inserts a workflow. A zero status defaults to draft.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if err := s.ready(); err != nil {
		return err
	}

	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = WorkflowDraft
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	if err := w.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, status, config, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.Name, w.Description, w.Status, w.Config, w.CreatedBy, w.CreatedAt, w.UpdatedAt)
	return wrapDBError("create workflow", err)
}

// GetWorkflow retrieves a workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var w Workflow
	err := s.db.GetContext(ctx, &w, `
		SELECT id, name, description, status, config, created_by, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, wrapDBError("get workflow", err)
	}
	return &w, nil
}

// UpdateWorkflow updates the mutable fields of a workflow.
func (s *Store) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}

	w.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET name = $2, description = $3, status = $4, config = $5, updated_at = $6
		WHERE id = $1`,
		w.ID, w.Name, w.Description, w.Status, w.Config, w.UpdatedAt)
	if err != nil {
		return wrapDBError("update workflow", err)
	}
	return requireRow(res, "update workflow")
}

// DeleteWorkflow removes a workflow; actions, triggers, executions,
// and logs cascade in the database.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return wrapDBError("delete workflow", err)
	}
	return requireRow(res, "delete workflow")
}

// ListWorkflowsByStatus returns workflows in the given status, newest
// first.
func (s *Store) ListWorkflowsByStatus(ctx context.Context, status WorkflowStatus, limit, offset int) ([]Workflow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var out []Workflow
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, name, description, status, config, created_by, created_at, updated_at
		FROM workflows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, wrapDBError("list workflows", err)
	}
	return out, nil
}

// CreateAction inserts a workflow action. The (workflow_id,
// order_index) pair must be unique.
func (s *Store) CreateAction(ctx context.Context, a *WorkflowAction) error {
	if err := s.ready(); err != nil {
		return err
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_actions (id, workflow_id, action_type, action_name, config, order_index, conditions, continue_on_error, timeout_seconds, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.WorkflowID, a.ActionType, a.ActionName, a.Config, a.OrderIndex, a.Conditions, a.ContinueOnError, a.TimeoutSeconds, a.MaxRetries)
	return wrapDBError("create action", err)
}

// ListActions returns a workflow's actions in execution order.
func (s *Store) ListActions(ctx context.Context, workflowID string) ([]WorkflowAction, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var out []WorkflowAction
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, workflow_id, action_type, action_name, config, order_index, conditions, continue_on_error, timeout_seconds, max_retries
		FROM workflow_actions
		WHERE workflow_id = $1
		ORDER BY order_index ASC`, workflowID)
	if err != nil {
		return nil, wrapDBError("list actions", err)
	}
	return out, nil
}

// CreateTrigger inserts a workflow trigger.
func (s *Store) CreateTrigger(ctx context.Context, t *WorkflowTrigger) error {
	if err := s.ready(); err != nil {
		return err
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_triggers (id, workflow_id, trigger_type, conditions, enabled)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.WorkflowID, t.TriggerType, t.Conditions, t.Enabled)
	return wrapDBError("create trigger", err)
}

// ListEnabledTriggers returns enabled triggers of the given type whose
// workflow is active.
func (s *Store) ListEnabledTriggers(ctx context.Context, triggerType TriggerType) ([]WorkflowTrigger, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var out []WorkflowTrigger
	err := s.db.SelectContext(ctx, &out, `
		SELECT t.id, t.workflow_id, t.trigger_type, t.conditions, t.enabled
		FROM workflow_triggers t
		JOIN workflows w ON w.id = t.workflow_id
		WHERE t.trigger_type = $1 AND t.enabled = TRUE AND w.status = 'active'`, triggerType)
	if err != nil {
		return nil, wrapDBError("list triggers", err)
	}
	return out, nil
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(res interface{ RowsAffected() (int64, error) }, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
