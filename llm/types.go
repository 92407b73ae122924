// Package llm provides a provider-agnostic completion interface with a
// name-keyed provider registry and ordered fallback on unavailability.
package llm

import "context"

// Message roles form a closed set; provider-specific quirks (such as a
// separate system prompt field) are handled inside provider adapters.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request defines an LLM completion request.
type Request struct {
	// Provider names the provider to use. Empty selects the manager's
	// default provider.
	Provider string `json:"provider,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Messages is the chat history to send to the LLM.
	Messages []Message `json:"messages"`

	// Temperature controls randomness. nil uses provider default,
	// 0 is deterministic.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits response length. 0 uses provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Usage represents token consumption details for an LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the normalized LLM completion result.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the actual model that was used.
	Model string `json:"model"`

	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage contains token consumption metrics when the provider
	// reports them.
	Usage *Usage `json:"usage,omitempty"`
}

// Provider is a configured LLM backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string

	// IsAvailable reports whether the provider can currently serve
	// requests (credentials present, endpoint reachable).
	IsAvailable() bool

	// Complete performs a completion call and returns a normalized
	// response. Failures are typed: *UnavailableError triggers
	// fallback, *RejectedError does not.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Factory produces a configured Provider instance. The config map is
// the registry's default config merged with the caller's overrides.
type Factory func(config map[string]any) (Provider, error)
