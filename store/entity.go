// Package store provides transactional persistence for the workflow
// engine over PostgreSQL.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus enumerates workflow lifecycle states.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowInactive WorkflowStatus = "inactive"
	WorkflowArchived WorkflowStatus = "archived"
	WorkflowDraft    WorkflowStatus = "draft"
)

// ExecutionStatus enumerates execution lifecycle states.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transition.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCancelled:
		return true
	}
	return false
}

// TriggerType enumerates how a workflow can be triggered.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerManual   TriggerType = "manual"
)

// LogLevel enumerates execution log severities.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// EventStatus enumerates integration event processing states.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventIgnored    EventStatus = "ignored"
)

// HealthState enumerates integration health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// JSONMap is a structured document column stored as JSONB.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", src)
	}

	return json.Unmarshal(data, m)
}

// Workflow is a named, ordered sequence of actions triggered by
// events or schedules. It exclusively owns its actions, triggers, and
// executions.
type Workflow struct {
	ID          string         `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Description string         `db:"description" json:"description,omitempty"`
	Status      WorkflowStatus `db:"status" json:"status"`
	Config      JSONMap        `db:"config" json:"config,omitempty"`
	CreatedBy   string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Validate checks workflow field constraints.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(w.Name) > 255 {
		return fmt.Errorf("workflow name exceeds 255 characters")
	}
	switch w.Status {
	case WorkflowActive, WorkflowInactive, WorkflowArchived, WorkflowDraft:
		return nil
	default:
		return fmt.Errorf("unknown workflow status %q", w.Status)
	}
}

// WorkflowAction is a single unit of work within a workflow. The
// (workflow_id, order_index) pair is unique; order defines execution
// sequence.
type WorkflowAction struct {
	ID              string     `db:"id" json:"id"`
	WorkflowID      string     `db:"workflow_id" json:"workflow_id"`
	ActionType      string     `db:"action_type" json:"action_type"`
	ActionName      string     `db:"action_name" json:"action_name"`
	Config          JSONMap    `db:"config" json:"config,omitempty"`
	OrderIndex      int        `db:"order_index" json:"order_index"`
	Conditions      *Predicate `db:"conditions" json:"conditions,omitempty"`
	ContinueOnError bool       `db:"continue_on_error" json:"continue_on_error"`
	TimeoutSeconds  int        `db:"timeout_seconds" json:"timeout_seconds,omitempty"`
	MaxRetries      int        `db:"max_retries" json:"max_retries,omitempty"`
}

// WorkflowTrigger binds an event class to a workflow via a predicate.
type WorkflowTrigger struct {
	ID          string      `db:"id" json:"id"`
	WorkflowID  string      `db:"workflow_id" json:"workflow_id"`
	TriggerType TriggerType `db:"trigger_type" json:"trigger_type"`
	Conditions  *Predicate  `db:"conditions" json:"conditions,omitempty"`
	Enabled     bool        `db:"enabled" json:"enabled"`
}

// WorkflowExecution is one attempt to run a workflow end-to-end.
// ExternalID is the deduplication key; ParentExecutionID links a retry
// to the terminal row it supersedes.
type WorkflowExecution struct {
	ID                string          `db:"id" json:"id"`
	WorkflowID        string          `db:"workflow_id" json:"workflow_id"`
	ExternalID        string          `db:"execution_id" json:"execution_id"`
	Status            ExecutionStatus `db:"status" json:"status"`
	StartedAt         time.Time       `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Result            JSONMap         `db:"result" json:"result,omitempty"`
	ErrorMessage      string          `db:"error_message" json:"error_message,omitempty"`
	RetryCount        int             `db:"retry_count" json:"retry_count"`
	ParentExecutionID *string         `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	TriggerType       string          `db:"trigger_type" json:"trigger_type,omitempty"`
	TriggerData       JSONMap         `db:"trigger_data" json:"trigger_data,omitempty"`
}

// ExecutionLog is an append-only log line bound to an execution.
type ExecutionLog struct {
	ID          string    `db:"id" json:"id"`
	ExecutionID string    `db:"execution_id" json:"execution_id"`
	Level       LogLevel  `db:"level" json:"level"`
	Message     string    `db:"message" json:"message"`
	Metadata    JSONMap   `db:"metadata" json:"metadata,omitempty"`
	ActionID    *string   `db:"action_id" json:"action_id,omitempty"`
	StepName    string    `db:"step_name" json:"step_name,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Integration is a configured external system. Credentials are only
// persisted as opaque ciphertext.
type Integration struct {
	ID                   string      `db:"id" json:"id"`
	Name                 string      `db:"name" json:"name"`
	Type                 string      `db:"type" json:"type"`
	Config               JSONMap     `db:"config" json:"config,omitempty"`
	Enabled              bool        `db:"enabled" json:"enabled"`
	HealthStatus         HealthState `db:"health_status" json:"health_status"`
	LastHealthCheck      *time.Time  `db:"last_health_check" json:"last_health_check,omitempty"`
	CredentialsEncrypted []byte      `db:"credentials_encrypted" json:"-"`
}

// IntegrationEvent is an inbound event recorded for an integration.
type IntegrationEvent struct {
	ID            string      `db:"id" json:"id"`
	IntegrationID string      `db:"integration_id" json:"integration_id"`
	EventType     string      `db:"event_type" json:"event_type"`
	EventID       string      `db:"event_id" json:"event_id,omitempty"`
	Payload       JSONMap     `db:"payload" json:"payload,omitempty"`
	Status        EventStatus `db:"status" json:"status"`
	ProcessedAt   *time.Time  `db:"processed_at" json:"processed_at,omitempty"`
	ErrorMessage  string      `db:"error_message" json:"error_message,omitempty"`
	RetryCount    int         `db:"retry_count" json:"retry_count"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

// AllowedCommenter is a row in the commenter admission list.
type AllowedCommenter struct {
	ID               string     `db:"id" json:"id"`
	ExternalUsername string     `db:"external_username" json:"external_username"`
	ExternalUserID   string     `db:"external_user_id" json:"external_user_id,omitempty"`
	Enabled          bool       `db:"enabled" json:"enabled"`
	AddedBy          string     `db:"added_by" json:"added_by,omitempty"`
	Notes            string     `db:"notes" json:"notes,omitempty"`
	LastCommentAt    *time.Time `db:"last_comment_at" json:"last_comment_at,omitempty"`
	CommentCount     int        `db:"comment_count" json:"comment_count"`
}

// CommentFilterSettings is the singleton admission configuration row.
type CommentFilterSettings struct {
	Enabled           bool   `db:"enabled" json:"enabled"`
	AutoAddCommenters bool   `db:"auto_add_commenters" json:"auto_add_commenters"`
	AutoReplyEnabled  bool   `db:"auto_reply_enabled" json:"auto_reply_enabled"`
	AutoReplyMessage  string `db:"auto_reply_message" json:"auto_reply_message,omitempty"`
	WhitelistMode     bool   `db:"whitelist_mode" json:"whitelist_mode"`
}
