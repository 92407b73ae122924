package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flowhook/flowhook/llm"
	"github.com/flowhook/flowhook/store"
)

// RetriableError marks a failure worth retrying (network faults, rate
// limits, upstream 5xx).
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string {
	return "retriable: " + e.Err.Error()
}

func (e *RetriableError) Unwrap() error {
	return e.Err
}

// Retriable wraps err as retriable.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// IsRetriable reports whether the engine should retry the action.
// Provider unavailability and explicit retriable wrappers qualify;
// provider rejections do not.
func IsRetriable(err error) bool {
	var re *RetriableError
	if errors.As(err, &re) {
		return true
	}
	return llm.IsUnavailable(err)
}

// ActionRequest is what a handler receives: the action's own config
// and the execution's accumulated context.
type ActionRequest struct {
	Action    *store.WorkflowAction
	Execution *store.WorkflowExecution
	Context   store.JSONMap
}

// Handler executes one action. Returned output is merged into the
// execution context under the action's name. Handlers must observe
// ctx cancellation.
type Handler func(ctx context.Context, req *ActionRequest) (store.JSONMap, error)

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry. Built-ins are installed
// explicitly via RegisterBuiltins at startup.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler for an action type. Last registration
// wins.
func (r *Registry) Register(actionType string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(actionType)] = h
}

// Get returns the handler for an action type.
func (r *Registry) Get(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(actionType)]
	return h, ok
}

// Types lists registered action types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// RegisterBuiltins installs the stock action handlers. The LLM manager
// may be nil; llm_complete then fails as non-retriable.
func RegisterBuiltins(r *Registry, manager *llm.Manager, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	r.Register("echo", echoHandler)
	r.Register("append", appendHandler)
	r.Register("llm_complete", llmCompleteHandler(manager))
	r.Register("http_request", httpRequestHandler(client))
}

// echoHandler copies a configured message into the context.
func echoHandler(_ context.Context, req *ActionRequest) (store.JSONMap, error) {
	message, _ := req.Action.Config["message"].(string)
	return store.JSONMap{"message": message}, nil
}

// appendHandler appends a configured value to a context key. Strings
// concatenate; lists grow; an absent key is created.
func appendHandler(_ context.Context, req *ActionRequest) (store.JSONMap, error) {
	key, _ := req.Action.Config["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("append action requires a key")
	}
	value := req.Action.Config["value"]

	switch existing := req.Context[key].(type) {
	case string:
		if sv, ok := value.(string); ok {
			return store.JSONMap{key: existing + sv}, nil
		}
		return nil, fmt.Errorf("append action: cannot append %T to string key %q", value, key)
	case []any:
		return store.JSONMap{key: append(append([]any(nil), existing...), value)}, nil
	default:
		return store.JSONMap{key: value}, nil
	}
}

// llmCompleteHandler runs a completion through the provider manager.
// Prompt placeholders of the form {context.some.key} are substituted
// from the execution context before the call.
func llmCompleteHandler(manager *llm.Manager) Handler {
	return func(ctx context.Context, req *ActionRequest) (store.JSONMap, error) {
		if manager == nil {
			return nil, fmt.Errorf("no llm manager configured")
		}

		prompt, _ := req.Action.Config["prompt"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("llm_complete action requires a prompt")
		}
		prompt = substituteContext(prompt, req.Context)

		llmReq := llm.Request{
			Messages: []llm.Message{},
		}
		if provider, ok := req.Action.Config["provider"].(string); ok {
			llmReq.Provider = provider
		}
		if model, ok := req.Action.Config["model"].(string); ok {
			llmReq.Model = model
		}
		if system, ok := req.Action.Config["system"].(string); ok && system != "" {
			llmReq.Messages = append(llmReq.Messages, llm.Message{Role: llm.RoleSystem, Content: system})
		}
		if maxTokens, ok := req.Action.Config["max_tokens"].(float64); ok {
			llmReq.MaxTokens = int(maxTokens)
		}
		llmReq.Messages = append(llmReq.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})

		resp, err := manager.Complete(ctx, llmReq)
		if err != nil {
			return nil, err
		}

		out := store.JSONMap{
			"content": resp.Content,
			"model":   resp.Model,
		}
		if resp.Usage != nil {
			out["usage"] = store.JSONMap{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			}
		}
		return out, nil
	}
}

// httpRequestHandler performs an outbound HTTP call. Rate limits and
// upstream 5xx map to retriable errors.
func httpRequestHandler(client *http.Client) Handler {
	return func(ctx context.Context, req *ActionRequest) (store.JSONMap, error) {
		url, _ := req.Action.Config["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("http_request action requires a url")
		}
		method, _ := req.Action.Config["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if raw, ok := req.Action.Config["body"]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := req.Action.Config["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					httpReq.Header.Set(k, s)
				}
			}
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, Retriable(fmt.Errorf("http request: %w", err))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, Retriable(fmt.Errorf("read response: %w", err))
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, Retriable(fmt.Errorf("upstream returned HTTP %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
		}

		return store.JSONMap{
			"status": resp.StatusCode,
			"body":   string(respBody),
		}, nil
	}
}

// substituteContext replaces {context.dotted.path} placeholders with
// values from the execution context.
func substituteContext(s string, ctx store.JSONMap) string {
	const marker = "{context."

	var b strings.Builder
	for {
		start := strings.Index(s, marker)
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])

		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s[start:])
			return b.String()
		}
		end += start

		if val, found := lookupContext(ctx, s[start+len(marker):end]); found {
			fmt.Fprintf(&b, "%v", val)
		}
		s = s[end+1:]
	}
}

func lookupContext(ctx store.JSONMap, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(ctx)

	for _, part := range parts {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case store.JSONMap:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}
