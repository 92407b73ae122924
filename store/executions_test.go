package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// argCapture matches any string argument and records it.
type argCapture struct {
	dst *string
}

func (a argCapture) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*a.dst = s
	}
	return ok
}

func TestCreateExecutionDefaults(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := &WorkflowExecution{
		WorkflowID: "wf-1",
		ExternalID: "int-1:evt-1",
	}
	require.NoError(t, s.CreateExecution(context.Background(), e))

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, ExecutionPending, e.Status)
	assert.False(t, e.StartedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExecutionDuplicateDedupKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_executions").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_workflow_executions_dedup"})

	err := s.CreateExecution(context.Background(), &WorkflowExecution{
		WorkflowID: "wf-1",
		ExternalID: "int-1:evt-1",
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExecutionRunning(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkExecutionRunning(ctx, "ex-1"))

	// Already running (or terminal): the guarded update matches nothing.
	mock.ExpectExec("UPDATE workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.MarkExecutionRunning(ctx, "ex-1")
	assert.ErrorIs(t, err, ErrInvariant)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecutionRejectsNonTerminalStatus(t *testing.T) {
	s, _ := newMockStore(t)

	err := s.FinishExecution(context.Background(), "ex-1", ExecutionRunning, nil, "")
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestFinishExecutionTerminalRowImmutable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FinishExecution(context.Background(), "ex-1", ExecutionCompleted, nil, "")
	assert.ErrorIs(t, err, ErrInvariant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecutionSanitizesErrorMessage(t *testing.T) {
	s, mock := newMockStore(t)

	captured := ""
	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs("ex-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			argCapture{&captured}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	raw := "request failed: token sk-abcdef0123456789abcdef rejected by postgresql://user:hunter2@db:5432/wf"
	err := s.FinishExecution(context.Background(), "ex-1", ExecutionFailed, nil, raw)
	require.NoError(t, err)

	assert.NotContains(t, captured, "hunter2")
	assert.NotContains(t, captured, "sk-abcdef0123456789abcdef")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecutionTruncatesErrorMessage(t *testing.T) {
	s, mock := newMockStore(t)

	long := make([]byte, maxErrorMessageLen*2)
	for i := range long {
		long[i] = 'x'
	}

	captured := ""
	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs("ex-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			argCapture{&captured}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.FinishExecution(context.Background(), "ex-1", ExecutionFailed, nil, string(long)))
	assert.LessOrEqual(t, len(captured), maxErrorMessageLen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRetryExecution(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	parent := &WorkflowExecution{
		ID:          "parent-id",
		WorkflowID:  "wf-1",
		ExternalID:  "int-1:evt-1",
		Status:      ExecutionFailed,
		RetryCount:  1,
		TriggerType: "webhook",
	}

	child, err := s.CreateRetryExecution(context.Background(), parent)
	require.NoError(t, err)

	assert.Equal(t, "int-1:evt-1:retry-2", child.ExternalID)
	assert.Equal(t, 2, child.RetryCount)
	assert.Equal(t, ExecutionPending, child.Status)
	require.NotNil(t, child.ParentExecutionID)
	assert.Equal(t, "parent-id", *child.ParentExecutionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindExecutionByExternalIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM workflow_executions").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindExecutionByExternalID(context.Background(), "int-1:evt-9", time.Now().Add(-24*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
