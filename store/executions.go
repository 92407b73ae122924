package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/sanitize"
)

// maxErrorMessageLen bounds persisted error messages.
const maxErrorMessageLen = 4096

// CreateExecution inserts a pending execution row. The external
// execution_id is the deduplication key; inserting a duplicate within
// the dedup window returns ErrConflict.
func (s *Store) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	if err := s.ready(); err != nil {
		return err
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = ExecutionPending
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, execution_id, status, started_at, completed_at, result, error_message, retry_count, parent_execution_id, trigger_type, trigger_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.WorkflowID, e.ExternalID, e.Status, e.StartedAt, e.CompletedAt,
		e.Result, e.ErrorMessage, e.RetryCount, e.ParentExecutionID, e.TriggerType, e.TriggerData)
	return wrapDBError("create execution", err)
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var e WorkflowExecution
	err := s.db.GetContext(ctx, &e, `
		SELECT id, workflow_id, execution_id, status, started_at, completed_at, result, error_message, retry_count, parent_execution_id, trigger_type, trigger_data
		FROM workflow_executions WHERE id = $1`, id)
	if err != nil {
		return nil, wrapDBError("get execution", err)
	}
	return &e, nil
}

// FindExecutionByExternalID looks up an execution by its dedup key
// created after the cutoff. Returns ErrNotFound when no row matches.
func (s *Store) FindExecutionByExternalID(ctx context.Context, externalID string, since time.Time) (*WorkflowExecution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var e WorkflowExecution
	err := s.db.GetContext(ctx, &e, `
		SELECT id, workflow_id, execution_id, status, started_at, completed_at, result, error_message, retry_count, parent_execution_id, trigger_type, trigger_data
		FROM workflow_executions
		WHERE execution_id = $1 AND started_at >= $2
		ORDER BY started_at DESC
		LIMIT 1`, externalID, since)
	if err != nil {
		return nil, wrapDBError("find execution by external id", err)
	}
	return &e, nil
}

// MarkExecutionRunning transitions pending -> running. Any other
// current status returns ErrInvariant.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'running'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return wrapDBError("mark execution running", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("mark execution running", err)
	}
	if n == 0 {
		return fmt.Errorf("mark execution running: %w", ErrInvariant)
	}
	return nil
}

// FinishExecution transitions a running execution into a terminal
// status and stamps completed_at exactly once. Terminal rows are
// immutable; a second finish returns ErrInvariant. The error message
// is sanitized and truncated before persisting.
func (s *Store) FinishExecution(ctx context.Context, id string, status ExecutionStatus, result JSONMap, errorMessage string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("finish execution: status %q is not terminal: %w", status, ErrInvariant)
	}

	msg := sanitize.Truncate(sanitize.Sanitize(errorMessage), maxErrorMessageLen)

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $2, completed_at = $3, result = $4, error_message = $5
		WHERE id = $1 AND status IN ('pending', 'running') AND completed_at IS NULL`,
		id, status, time.Now().UTC(), result, msg)
	if err != nil {
		return wrapDBError("finish execution", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("finish execution", err)
	}
	if n == 0 {
		return fmt.Errorf("finish execution: %w", ErrInvariant)
	}
	return nil
}

// CreateRetryExecution inserts a fresh pending execution linked to a
// terminal parent. The parent row is never mutated.
func (s *Store) CreateRetryExecution(ctx context.Context, parent *WorkflowExecution) (*WorkflowExecution, error) {
	child := &WorkflowExecution{
		WorkflowID:        parent.WorkflowID,
		ExternalID:        fmt.Sprintf("%s:retry-%d", parent.ExternalID, parent.RetryCount+1),
		Status:            ExecutionPending,
		RetryCount:        parent.RetryCount + 1,
		ParentExecutionID: &parent.ID,
		TriggerType:       parent.TriggerType,
		TriggerData:       parent.TriggerData,
	}

	if err := s.CreateExecution(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// CountRunningExecutions returns how many executions of a workflow are
// currently running. Used for the per-workflow concurrency bound.
func (s *Store) CountRunningExecutions(ctx context.Context, workflowID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM workflow_executions
		WHERE workflow_id = $1 AND status = 'running'`, workflowID)
	if err != nil {
		return 0, wrapDBError("count running executions", err)
	}
	return count, nil
}

// ListExecutions returns executions of a workflow filtered by status,
// newest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, status ExecutionStatus, limit int) ([]WorkflowExecution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var out []WorkflowExecution
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, workflow_id, execution_id, status, started_at, completed_at, result, error_message, retry_count, parent_execution_id, trigger_type, trigger_data
		FROM workflow_executions
		WHERE workflow_id = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT $3`, workflowID, status, limit)
	if err != nil {
		return nil, wrapDBError("list executions", err)
	}
	return out, nil
}

// AppendLog writes an append-only execution log line. Messages headed
// outward are sanitized by the caller; internal logs keep raw values.
func (s *Store) AppendLog(ctx context.Context, l *ExecutionLog) error {
	if err := s.ready(); err != nil {
		return err
	}

	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, execution_id, level, message, metadata, action_id, step_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.ExecutionID, l.Level, l.Message, l.Metadata, l.ActionID, l.StepName, l.CreatedAt)
	return wrapDBError("append log", err)
}

// ListLogs returns an execution's logs in append order.
func (s *Store) ListLogs(ctx context.Context, executionID string) ([]ExecutionLog, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var out []ExecutionLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, execution_id, level, message, metadata, action_id, step_name, created_at
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, wrapDBError("list logs", err)
	}
	return out, nil
}
