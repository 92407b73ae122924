package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	decisions []Decision
}

func (c *captureRecorder) Record(_ context.Context, d Decision) {
	c.decisions = append(c.decisions, d)
}

func TestRolePolicy(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name    string
		req     Request
		granted bool
	}{
		{
			name:    "worker may execute actions",
			req:     Request{UserID: "w1", Roles: []string{"worker"}, ResourceType: "action", Action: "execute"},
			granted: true,
		},
		{
			name:    "worker may not read executions",
			req:     Request{UserID: "w1", Roles: []string{"worker"}, ResourceType: "execution", Action: "read"},
			granted: false,
		},
		{
			name:    "admin wildcard matches everything",
			req:     Request{UserID: "a1", Roles: []string{"admin"}, ResourceType: "integration", Action: "delete"},
			granted: true,
		},
		{
			name:    "direct permission wins without a role",
			req:     Request{UserID: "u1", Permissions: []string{"workflow:execute"}, ResourceType: "workflow", Action: "execute"},
			granted: true,
		},
		{
			name:    "wildcard action permission",
			req:     Request{UserID: "u1", Permissions: []string{"workflow:*"}, ResourceType: "workflow", Action: "delete"},
			granted: true,
		},
		{
			name:    "unknown role denied",
			req:     Request{UserID: "u1", Roles: []string{"ghost"}, ResourceType: "workflow", Action: "execute"},
			granted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			granted, reason := policy.Authorize(context.Background(), tt.req)
			assert.Equal(t, tt.granted, granted)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestManagerRecordsEveryDecision(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager(DefaultPolicy(), rec)
	ctx := context.Background()

	assert.True(t, m.Authorize(ctx, Request{
		UserID: "w1", Roles: []string{"worker"},
		ResourceType: "action", ResourceID: "act-1", Action: "execute",
	}))
	assert.False(t, m.Authorize(ctx, Request{
		UserID: "w1", Roles: []string{"worker"},
		ResourceType: "integration", ResourceID: "int-1", Action: "delete",
	}))

	require.Len(t, rec.decisions, 2)
	assert.True(t, rec.decisions[0].Granted)
	assert.False(t, rec.decisions[1].Granted)
	assert.Equal(t, "act-1", rec.decisions[0].ResourceID)
	assert.False(t, rec.decisions[0].Time.IsZero())
}

func TestManagerSanitizesAuditReason(t *testing.T) {
	rec := &captureRecorder{}
	leaky := authorizeFunc(func(_ context.Context, _ Request) (bool, string) {
		return false, "policy fetch failed against postgresql://svc:hunter2@db:5432/auth"
	})
	m := NewManager(leaky, rec)

	m.Authorize(context.Background(), Request{UserID: "u1", ResourceType: "workflow", Action: "execute"})

	require.Len(t, rec.decisions, 1)
	assert.NotContains(t, rec.decisions[0].Reason, "hunter2")
}

type authorizeFunc func(ctx context.Context, req Request) (bool, string)

func (f authorizeFunc) Authorize(ctx context.Context, req Request) (bool, string) {
	return f(ctx, req)
}
