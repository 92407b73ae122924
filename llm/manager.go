package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Manager selects a provider for each completion request and applies
// ordered fallback when the requested provider is unregistered or
// unavailable. Provider instances are per-name singletons; the Manager
// performs no concurrency of its own and is safe for concurrent use.
type Manager struct {
	registry        *Registry
	defaultProvider string
	fallbackOrder   []string
	logger          *slog.Logger
	recorder        RequestRecorder

	mu        sync.Mutex
	instances map[string]Provider
}

// RequestRecorder observes the outcome of each provider call.
type RequestRecorder interface {
	IncLLMRequest(provider, outcome string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFallbackOrder sets the ordered list of provider names tried when
// the selected provider is unavailable.
func WithFallbackOrder(order []string) ManagerOption {
	return func(m *Manager) {
		m.fallbackOrder = order
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRecorder sets the per-call outcome recorder.
func WithRecorder(r RequestRecorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// NewManager creates a Manager over the given registry.
func NewManager(registry *Registry, defaultProvider string, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:        registry,
		defaultProvider: strings.ToLower(defaultProvider),
		logger:          slog.Default(),
		instances:       make(map[string]Provider),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Complete resolves a provider for the request and returns a
// normalized response. Fallback walks the configured order, skipping
// providers already attempted; no provider is tried twice.
func (m *Manager) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := filterMessages(req.Messages)
	if len(messages) == 0 {
		return nil, &InvalidRequestError{Reason: "messages must contain at least one non-empty entry"}
	}
	req.Messages = messages

	primary := strings.ToLower(req.Provider)
	if primary == "" {
		primary = m.defaultProvider
	}
	if primary == "" {
		return nil, &InvalidRequestError{Reason: "no provider requested and no default configured"}
	}

	candidates := make([]string, 0, 1+len(m.fallbackOrder))
	candidates = append(candidates, primary)
	for _, name := range m.fallbackOrder {
		candidates = append(candidates, strings.ToLower(name))
	}

	tried := make(map[string]bool, len(candidates))
	var lastErr error

	for _, name := range candidates {
		if tried[name] {
			continue
		}
		tried[name] = true

		provider, err := m.provider(name)
		if err != nil {
			lastErr = err
			m.logger.Warn("Provider unusable, trying fallback", "provider", name, "error", err)
			continue
		}

		if !provider.IsAvailable() {
			lastErr = &UnavailableError{Provider: name}
			m.logger.Warn("Provider unavailable, trying fallback", "provider", name)
			continue
		}

		if name != primary {
			m.logger.Info("Falling back to provider", "provider", name, "requested", primary)
		}

		attempt := req
		if attempt.Model == "" {
			attempt.Model = m.defaultModel(name)
		}

		resp, err := provider.Complete(ctx, attempt)
		if err == nil {
			m.record(name, "success")
			return resp, nil
		}
		lastErr = err

		if IsUnavailable(err) {
			m.record(name, "unavailable")
			m.logger.Warn("Provider call failed, trying fallback",
				"provider", name,
				"model", attempt.Model,
				"error", err)
			continue
		}

		// Rejections and unexpected errors are terminal.
		m.record(name, "rejected")
		return nil, err
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (m *Manager) record(provider, outcome string) {
	if m.recorder != nil {
		m.recorder.IncLLMRequest(provider, outcome)
	}
}

// provider returns the singleton instance for name, creating it on
// first use.
func (m *Manager) provider(name string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.instances[name]; ok {
		return p, nil
	}

	p, err := m.registry.Create(name, nil)
	if err != nil {
		return nil, err
	}

	m.instances[name] = p
	return p, nil
}

// defaultModel looks up the registered default model for a provider.
func (m *Manager) defaultModel(name string) string {
	defaults := m.registry.DefaultConfig(name)
	if defaults == nil {
		return ""
	}
	model, _ := defaults["default_model"].(string)
	return model
}

// filterMessages drops entries with empty content.
func filterMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) != "" {
			out = append(out, msg)
		}
	}
	return out
}
