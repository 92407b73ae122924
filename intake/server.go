// Package intake terminates webhook HTTP traffic: signature
// verification, commenter admission, event recording, and enqueue
// toward the dispatcher.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowhook/flowhook/commenter"
	"github.com/flowhook/flowhook/dispatch"
	"github.com/flowhook/flowhook/metrics"
	"github.com/flowhook/flowhook/queue"
	"github.com/flowhook/flowhook/sanitize"
	"github.com/flowhook/flowhook/store"
)

// maxBodySize bounds webhook payloads.
const maxBodySize = 5 << 20

// Store is the persistence surface intake needs.
type Store interface {
	RecordEvent(ctx context.Context, e *store.IntegrationEvent) error
	UpdateEventStatus(ctx context.Context, id string, status store.EventStatus, errorMessage string) error
}

// Admitter decides commenter admission.
type Admitter interface {
	Admit(ctx context.Context, username string) (*commenter.Decision, error)
}

// EventQueue is the producer side of the events queue.
type EventQueue interface {
	Enqueue(ctx context.Context, item *queue.Item) error
}

// ReplyPublisher emits auto-reply side effects.
type ReplyPublisher interface {
	PublishAutoReply(ctx context.Context, integrationID, username, message string) error
}

// Server handles webhook intake.
type Server struct {
	secret    string
	store     Store
	admission Admitter
	events    EventQueue
	replies   ReplyPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithReplyPublisher sets the outbound auto-reply sink.
func WithReplyPublisher(p ReplyPublisher) Option {
	return func(s *Server) {
		s.replies = p
	}
}

// NewServer builds the intake server. The secret applies to all
// integrations served by this instance.
func NewServer(secret string, st Store, admission Admitter, events EventQueue, opts ...Option) *Server {
	s := &Server{
		secret:    secret,
		store:     st,
		admission: admission,
		events:    events,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/webhooks/{integrationID}", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	integrationID := chi.URLParam(r, "integrationID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.metrics.IncWebhook("error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to read body"})
		return
	}

	if err := VerifySignature(s.secret, body, r.Header.Get("x-hub-signature-256")); err != nil {
		switch {
		case errors.Is(err, ErrNoSecret):
			// Never accept unverified data.
			s.logger.Error("Webhook secret not configured", "integration_id", integrationID)
			s.metrics.IncWebhook("error")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "webhook secret not configured"})
		default:
			s.logger.Warn("Rejected webhook signature",
				"integration_id", integrationID,
				"reason", err.Error())
			s.metrics.IncWebhook("rejected_signature")
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		}
		return
	}

	eventType := r.Header.Get("x-event-type")
	if eventType == "" {
		s.metrics.IncWebhook("error")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing x-event-type header"})
		return
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.metrics.IncWebhook("error")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	record := &store.IntegrationEvent{
		IntegrationID: integrationID,
		EventType:     eventType,
		EventID:       vendorEventID(r, envelope),
		Payload:       envelope,
	}
	if err := s.store.RecordEvent(ctx, record); err != nil {
		s.internalError(w, integrationID, "record event", err)
		return
	}

	// Commenter admission for PR comment shaped events.
	if username, isComment := commentAuthor(envelope); isComment {
		decision, err := s.admission.Admit(ctx, username)
		if err != nil {
			s.internalError(w, integrationID, "admission", err)
			return
		}
		if !decision.Allowed {
			if decision.AutoReply != "" && s.replies != nil {
				if err := s.replies.PublishAutoReply(ctx, integrationID, username, decision.AutoReply); err != nil {
					s.logger.Warn("Auto-reply publish failed", "username", username, "error", err)
				}
			}
			_ = s.store.UpdateEventStatus(ctx, record.ID, store.EventIgnored, "commenter not allowed")
			s.metrics.IncWebhook("denied_commenter")
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
	}

	payload, err := json.Marshal(dispatch.Event{
		IntegrationID: integrationID,
		EventType:     eventType,
		EventID:       record.EventID,
		RecordID:      record.ID,
		Envelope:      envelope,
	})
	if err != nil {
		s.internalError(w, integrationID, "encode event", err)
		return
	}

	if err := s.events.Enqueue(ctx, &queue.Item{
		ExecutionID: record.ID,
		Priority:    queue.PriorityNormal,
		MaxRetries:  3,
		Payload:     payload,
	}); err != nil {
		_ = s.store.UpdateEventStatus(ctx, record.ID, store.EventFailed, sanitize.Sanitize(err.Error()))
		s.internalError(w, integrationID, "enqueue event", err)
		return
	}

	s.metrics.IncWebhook("accepted")
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// internalError responds 500 with a sanitized message; raw errors stay
// in the logs.
func (s *Server) internalError(w http.ResponseWriter, integrationID, op string, err error) {
	s.logger.Error("Webhook processing failed",
		"integration_id", integrationID,
		"op", op,
		"error", err)
	s.metrics.IncWebhook("error")
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": sanitize.Sanitize(op + ": " + err.Error()),
	})
}

// vendorEventID prefers the delivery header, falling back to an id in
// the envelope.
func vendorEventID(r *http.Request, envelope map[string]any) string {
	if id := r.Header.Get("x-delivery-id"); id != "" {
		return id
	}
	if id, ok := envelope["event_id"].(string); ok {
		return id
	}
	return ""
}

// commentAuthor extracts the commenting username when the envelope is
// a comment referencing a pull request.
func commentAuthor(envelope map[string]any) (string, bool) {
	comment, ok := envelope["comment"].(map[string]any)
	if !ok {
		return "", false
	}

	// The comment must reference a pull request, either directly or
	// through its issue.
	if _, ok := envelope["pull_request"]; !ok {
		issue, ok := envelope["issue"].(map[string]any)
		if !ok {
			return "", false
		}
		if _, ok := issue["pull_request"]; !ok {
			return "", false
		}
	}

	user, ok := comment["user"].(map[string]any)
	if !ok {
		return "", false
	}
	login, ok := user["login"].(string)
	return login, ok && login != ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
