package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateIntegration inserts an integration. Credentials must already
// be ciphertext; the store never sees plaintext secrets.
func (s *Store) CreateIntegration(ctx context.Context, in *Integration) error {
	if err := s.ready(); err != nil {
		return err
	}

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.HealthStatus == "" {
		in.HealthStatus = HealthUnknown
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, name, type, config, enabled, health_status, last_health_check, credentials_encrypted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, in.Name, in.Type, in.Config, in.Enabled, in.HealthStatus, in.LastHealthCheck, in.CredentialsEncrypted)
	return wrapDBError("create integration", err)
}

// GetIntegration retrieves an integration by ID.
func (s *Store) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var in Integration
	err := s.db.GetContext(ctx, &in, `
		SELECT id, name, type, config, enabled, health_status, last_health_check, credentials_encrypted
		FROM integrations WHERE id = $1`, id)
	if err != nil {
		return nil, wrapDBError("get integration", err)
	}
	return &in, nil
}

// UpdateIntegrationHealth records a health probe result.
func (s *Store) UpdateIntegrationHealth(ctx context.Context, id string, health HealthState) error {
	if err := s.ready(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations
		SET health_status = $2, last_health_check = $3
		WHERE id = $1`, id, health, time.Now().UTC())
	if err != nil {
		return wrapDBError("update integration health", err)
	}
	return requireRow(res, "update integration health")
}

// RecordEvent inserts an inbound integration event in pending status.
func (s *Store) RecordEvent(ctx context.Context, e *IntegrationEvent) error {
	if err := s.ready(); err != nil {
		return err
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = EventPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_events (id, integration_id, event_type, event_id, payload, status, processed_at, error_message, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.IntegrationID, e.EventType, e.EventID, e.Payload, e.Status, e.ProcessedAt, e.ErrorMessage, e.RetryCount, e.CreatedAt)
	return wrapDBError("record event", err)
}

// UpdateEventStatus moves an event through its processing lifecycle.
// Completion and failure stamp processed_at.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status EventStatus, errorMessage string) error {
	if err := s.ready(); err != nil {
		return err
	}

	var processedAt *time.Time
	if status == EventCompleted || status == EventFailed || status == EventIgnored {
		now := time.Now().UTC()
		processedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE integration_events
		SET status = $2, processed_at = $3, error_message = $4
		WHERE id = $1`, id, status, processedAt, errorMessage)
	if err != nil {
		return wrapDBError("update event status", err)
	}
	return requireRow(res, "update event status")
}

// ListPendingEvents scans the pending/processing queue, oldest first.
// Served by a partial index on (status, created_at).
func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]IntegrationEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var out []IntegrationEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, integration_id, event_type, event_id, payload, status, processed_at, error_message, retry_count, created_at
		FROM integration_events
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, wrapDBError("list pending events", err)
	}
	return out, nil
}
