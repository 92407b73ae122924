package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestCreateWorkflowDuplicateName(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflows").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "workflows_name_key"})

	err := s.CreateWorkflow(context.Background(), &Workflow{Name: "review", Status: WorkflowActive})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateIntegrationDuplicateName(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO integrations").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "integrations_name_key"})

	err := s.CreateIntegration(context.Background(), &Integration{Name: "github-main", Type: "github"})
	assert.ErrorIs(t, err, ErrConflict)
}
