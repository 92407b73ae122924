package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowhook/flowhook/llm"
)

// openAIAdapter implements the OpenAI chat-completions wire format.
// It also serves OpenAI-compatible endpoints (OpenRouter, local
// gateways) through a custom base_url.
type openAIAdapter struct{}

// BuildURL constructs the chat completions endpoint.
func (openAIAdapter) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds bearer authentication.
func (openAIAdapter) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// BuildRequestBody creates the OpenAI API request body.
func (openAIAdapter) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	return json.Marshal(openAIRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content from an OpenAI-shaped response.
func (openAIAdapter) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response contains no choices")
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}

	return &llm.Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        respModel,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// NewOpenAI creates the OpenAI provider from a merged config map.
func NewOpenAI(config map[string]any) (llm.Provider, error) {
	return newHTTPProvider("openai", true, openAIAdapter{}, config), nil
}

// NewOllama creates a local Ollama provider. It speaks the OpenAI
// wire format through Ollama's compatibility endpoint and needs no
// API key.
func NewOllama(config map[string]any) (llm.Provider, error) {
	if config == nil {
		config = make(map[string]any)
	}
	if _, ok := config["base_url"]; !ok {
		config["base_url"] = "http://localhost:11434/v1"
	}
	return newHTTPProvider("ollama", false, openAIAdapter{}, config), nil
}
