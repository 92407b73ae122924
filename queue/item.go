// Package queue brokers work items between producers and workers over
// Redis, with priority-ordered pending, in-flight tracking, results,
// failures, and worker heartbeats.
package queue

import (
	"encoding/json"
	"time"
)

// Priority orders items within the pending sub-queue. Higher runs
// first; within a level, FIFO by arrival.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// clamp bounds a priority to the legal [1, 10] range.
func (p Priority) clamp() Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}

// Item is a unit of work carried through the queue. Payload is opaque
// to the broker.
type Item struct {
	ID                  string          `json:"id"`
	ExecutionID         string          `json:"execution_id"`
	Priority            Priority        `json:"priority"`
	CreatedAt           time.Time       `json:"created_at"`
	AssignedWorker      string          `json:"assigned_worker,omitempty"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	EstimatedConfidence *float64        `json:"estimated_confidence,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
}

// failedRecord is what lands in the failed sub-queue.
type failedRecord struct {
	Item
	FinalError string    `json:"final_error"`
	FailedAt   time.Time `json:"failed_at"`
}

// resultRecord is what lands in the results sub-queue.
type resultRecord struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	Worker      string          `json:"worker,omitempty"`
}

// Stats is a snapshot of sub-queue depths and worker-local counters.
type Stats struct {
	Pending     int64         `json:"pending"`
	Processing  int64         `json:"processing"`
	Results     int64         `json:"results"`
	Failed      int64         `json:"failed"`
	Processed   int64         `json:"processed"`
	FailedLocal int64         `json:"failed_local"`
	Uptime      time.Duration `json:"uptime"`
}
