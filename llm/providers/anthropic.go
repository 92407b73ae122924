package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowhook/flowhook/llm"
)

// anthropicVersion is the API version to use.
const anthropicVersion = "2023-06-01"

// anthropicAdapter implements the Anthropic messages API. Anthropic
// carries the system prompt outside the message list, so
// BuildRequestBody extracts a leading system message.
type anthropicAdapter struct{}

// BuildURL constructs the Anthropic messages endpoint.
func (anthropicAdapter) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/v1/messages"
}

// SetHeaders adds Anthropic-specific authentication headers.
func (anthropicAdapter) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []llm.Message `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// BuildRequestBody creates the Anthropic API request body.
func (anthropicAdapter) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	// Extract system messages out of the conversation.
	var systemPrompt string
	apiMessages := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			systemPrompt = msg.Content
			continue
		}
		apiMessages = append(apiMessages, msg)
	}

	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    apiMessages,
		System:      systemPrompt,
		Temperature: temperature,
	})
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content from an Anthropic response and
// normalizes usage to prompt/completion/total tokens.
func (anthropicAdapter) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content:      content.String(),
		Model:        resp.Model,
		FinishReason: resp.StopReason,
		Usage: &llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// NewAnthropic creates the Anthropic provider from a merged config map.
func NewAnthropic(config map[string]any) (llm.Provider, error) {
	return newHTTPProvider("anthropic", true, anthropicAdapter{}, config), nil
}
