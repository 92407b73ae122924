// Package providers implements LLM provider adapters over a shared
// HTTP skeleton. Providers are registered explicitly at startup via
// Register; there are no import side effects.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/flowhook/flowhook/llm"
)

// maxResponseSize limits the LLM response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// adapter supplies the three provider-specific seams around the shared
// HTTP skeleton: shaping the request body, addressing/authorizing the
// call, and extracting the normalized response.
type adapter interface {
	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body.
	// temperature is nil to use the provider default.
	BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the normalized response from
	// provider-specific JSON.
	ParseResponse(body []byte, model string) (*llm.Response, error)
}

// httpProvider is the concrete OpenAI-compatible skeleton. It
// implements llm.Provider by composing an adapter with shared request
// execution and error classification.
type httpProvider struct {
	name        string
	baseURL     string
	apiKey      string
	apiKeyEnv   string
	requiresKey bool
	adapter     adapter
	client      *http.Client
}

// providerConfig holds the recognized config keys for HTTP providers.
type providerConfig struct {
	baseURL   string
	apiKey    string
	apiKeyEnv string
	timeout   time.Duration
}

func parseConfig(config map[string]any) providerConfig {
	cfg := providerConfig{timeout: 180 * time.Second}
	if v, ok := config["base_url"].(string); ok {
		cfg.baseURL = v
	}
	if v, ok := config["api_key"].(string); ok {
		cfg.apiKey = v
	}
	if v, ok := config["api_key_env"].(string); ok {
		cfg.apiKeyEnv = v
	}
	if v, ok := config["timeout_seconds"].(int); ok && v > 0 {
		cfg.timeout = time.Duration(v) * time.Second
	}
	return cfg
}

func newHTTPProvider(name string, requiresKey bool, a adapter, config map[string]any) *httpProvider {
	cfg := parseConfig(config)
	return &httpProvider{
		name:        name,
		baseURL:     cfg.baseURL,
		apiKey:      cfg.apiKey,
		apiKeyEnv:   cfg.apiKeyEnv,
		requiresKey: requiresKey,
		adapter:     a,
		client:      &http.Client{Timeout: cfg.timeout},
	}
}

// Name returns the provider identifier.
func (p *httpProvider) Name() string {
	return p.name
}

// resolveKey returns the API key from config or environment
// indirection.
func (p *httpProvider) resolveKey() string {
	if p.apiKey != "" {
		return p.apiKey
	}
	if p.apiKeyEnv != "" {
		return os.Getenv(p.apiKeyEnv)
	}
	return ""
}

// IsAvailable reports whether the provider has the credentials it
// needs. Keyless providers (local endpoints) are always available.
func (p *httpProvider) IsAvailable() bool {
	if !p.requiresKey {
		return true
	}
	return p.resolveKey() != ""
}

// Complete executes a single completion call through the adapter
// seams.
func (p *httpProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body, err := p.adapter.BuildRequestBody(req.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, &llm.RejectedError{Provider: p.name, Model: req.Model, Err: fmt.Errorf("build request body: %w", err)}
	}

	url := p.adapter.BuildURL(p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &llm.RejectedError{Provider: p.name, Model: req.Model, Err: fmt.Errorf("create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	p.adapter.SetHeaders(httpReq, p.resolveKey())

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		// Network errors mean the provider cannot be reached.
		return nil, &llm.UnavailableError{Provider: p.name, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, &llm.UnavailableError{Provider: p.name, Err: fmt.Errorf("read response body: %w", err)}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.classifyHTTPError(req.Model, httpResp.StatusCode, respBody)
	}

	resp, err := p.adapter.ParseResponse(respBody, req.Model)
	if err != nil {
		return nil, &llm.RejectedError{Provider: p.name, Model: req.Model, Err: err}
	}
	return resp, nil
}

// classifyHTTPError maps HTTP status codes onto the unavailable vs
// rejected split. Rate limits and 5xx mean the provider is degraded;
// auth and bad-request errors are terminal rejections.
func (p *httpProvider) classifyHTTPError(model string, statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return &llm.UnavailableError{Provider: p.name, Err: err}
	case statusCode >= 500:
		return &llm.UnavailableError{Provider: p.name, Err: err}
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		// Invalid credentials make the provider unusable as configured;
		// let the manager try the fallback order.
		return &llm.UnavailableError{Provider: p.name, Err: err}
	default:
		return &llm.RejectedError{Provider: p.name, Model: model, Err: err}
	}
}
