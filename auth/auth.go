// Package auth provides the pre-action authorization check and the
// append-only audit trail of decisions.
package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/flowhook/flowhook/sanitize"
)

// Request carries the subject and target of one authorization check.
type Request struct {
	UserID       string
	Roles        []string
	Permissions  []string
	ResourceType string
	ResourceID   string
	Action       string
}

// Decision is one audited authorization outcome.
type Decision struct {
	Time         time.Time `json:"time"`
	UserID       string    `json:"user_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Action       string    `json:"action"`
	Granted      bool      `json:"granted"`
	Reason       string    `json:"reason"`
}

// Authorizer decides whether a subject may perform an action on a
// resource. Implementations must be safe for concurrent use.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (granted bool, reason string)
}

// Recorder persists audit decisions.
type Recorder interface {
	Record(ctx context.Context, d Decision)
}

// Manager combines an authorizer with an audit recorder. Every check
// is recorded, granted or not, with a sanitized reason.
type Manager struct {
	authorizer Authorizer
	recorder   Recorder
}

// NewManager wires an authorizer to a recorder. A nil recorder falls
// back to slog-based auditing.
func NewManager(authorizer Authorizer, recorder Recorder) *Manager {
	if recorder == nil {
		recorder = NewLogRecorder(slog.Default())
	}
	return &Manager{authorizer: authorizer, recorder: recorder}
}

// Authorize runs the check and records the decision.
func (m *Manager) Authorize(ctx context.Context, req Request) bool {
	granted, reason := m.authorizer.Authorize(ctx, req)

	m.recorder.Record(ctx, Decision{
		Time:         time.Now().UTC(),
		UserID:       req.UserID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Granted:      granted,
		Reason:       sanitize.Sanitize(reason),
	})
	return granted
}

// RolePolicy is the default authorizer: a role grants a set of
// permissions of the form "resource_type:action", with "*" matching
// any segment. Direct permissions on the request are honoured too.
type RolePolicy struct {
	grants map[string][]string
}

// NewRolePolicy builds a policy from role -> permission grants.
func NewRolePolicy(grants map[string][]string) *RolePolicy {
	cp := make(map[string][]string, len(grants))
	for role, perms := range grants {
		cp[role] = append([]string(nil), perms...)
	}
	return &RolePolicy{grants: cp}
}

// DefaultPolicy grants workers execution rights and admins everything.
func DefaultPolicy() *RolePolicy {
	return NewRolePolicy(map[string][]string{
		"admin":  {"*:*"},
		"worker": {"workflow:execute", "action:execute", "llm:complete"},
		"viewer": {"workflow:read", "execution:read"},
	})
}

// Authorize implements Authorizer.
func (p *RolePolicy) Authorize(_ context.Context, req Request) (bool, string) {
	want := req.ResourceType + ":" + req.Action

	for _, perm := range req.Permissions {
		if permissionMatches(perm, want) {
			return true, "direct permission " + perm
		}
	}
	for _, role := range req.Roles {
		for _, perm := range p.grants[role] {
			if permissionMatches(perm, want) {
				return true, "role " + role + " grants " + perm
			}
		}
	}
	return false, "no role or permission grants " + want
}

func permissionMatches(perm, want string) bool {
	pp := strings.SplitN(perm, ":", 2)
	wp := strings.SplitN(want, ":", 2)
	if len(pp) != 2 || len(wp) != 2 {
		return perm == want
	}
	return (pp[0] == "*" || pp[0] == wp[0]) && (pp[1] == "*" || pp[1] == wp[1])
}

// LogRecorder writes audit decisions to structured logs.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder builds a slog-backed audit recorder.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(_ context.Context, d Decision) {
	level := slog.LevelInfo
	if !d.Granted {
		level = slog.LevelWarn
	}
	r.logger.LogAttrs(context.Background(), level, "Authorization decision",
		slog.String("user_id", d.UserID),
		slog.String("resource_type", d.ResourceType),
		slog.String("resource_id", d.ResourceID),
		slog.String("action", d.Action),
		slog.Bool("granted", d.Granted),
		slog.String("reason", d.Reason),
	)
}
