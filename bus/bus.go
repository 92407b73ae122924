// Package bus publishes outbound side effects (auto-replies, execution
// notifications) onto NATS so delivery workers outside this process
// can act on them.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectAutoReply carries admission auto-replies to be posted
	// back to the external system.
	SubjectAutoReply = "outbound.auto_reply"

	// SubjectExecutionFinished announces terminal executions.
	SubjectExecutionFinished = "executions.finished"

	reconnectWait = 2 * time.Second
)

// AutoReply is the payload on SubjectAutoReply.
type AutoReply struct {
	ID            string    `json:"id"`
	IntegrationID string    `json:"integration_id"`
	Username      string    `json:"username"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExecutionFinished is the payload on SubjectExecutionFinished.
type ExecutionFinished struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      string    `json:"status"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Publisher emits side-effect messages. A disconnected Publisher is
// safe to call and drops messages, warning once, so the core never
// blocks on the side-effect path. A nil Publisher drops silently.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	dropWarn sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithSubjectPrefix namespaces all subjects. Defaults to "flowhook".
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.prefix = prefix
	}
}

// Connect dials NATS with reconnection enabled.
func Connect(url string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		prefix: "flowhook",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	conn, err := nats.Connect(url,
		nats.Name("flowhook"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	p.conn = conn
	p.logger.Info("Bus connected", "url", conn.ConnectedUrlRedacted())
	return p, nil
}

// Disabled returns a Publisher that drops all messages. Used when no
// bus is configured.
func Disabled(opts ...Option) *Publisher {
	p := &Publisher{
		prefix: "flowhook",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}

// PublishAutoReply emits an admission auto-reply side effect.
func (p *Publisher) PublishAutoReply(ctx context.Context, integrationID, username, message string) error {
	return p.publish(ctx, SubjectAutoReply, AutoReply{
		ID:            uuid.New().String(),
		IntegrationID: integrationID,
		Username:      username,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	})
}

// PublishExecutionFinished announces a terminal execution.
func (p *Publisher) PublishExecutionFinished(ctx context.Context, executionID, workflowID, status string) error {
	return p.publish(ctx, SubjectExecutionFinished, ExecutionFinished{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      status,
		FinishedAt:  time.Now().UTC(),
	})
}

func (p *Publisher) publish(_ context.Context, subject string, payload any) error {
	if p == nil {
		return nil
	}
	if p.conn == nil {
		p.dropWarn.Do(func() {
			p.logger.Warn("Bus disabled, dropping outbound messages", "subject", subject)
		})
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}

	full := p.prefix + "." + subject
	if err := p.conn.Publish(full, data); err != nil {
		p.logger.Warn("Dropping bus message", "subject", full, "error", err)
		return fmt.Errorf("publish %s: %w", full, err)
	}
	return nil
}
