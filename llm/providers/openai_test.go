package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowhook/flowhook/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIAdapter_BuildURL(t *testing.T) {
	a := openAIAdapter{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.openai.com/v1/chat/completions",
		},
		{
			name:    "custom base URL",
			baseURL: "https://gateway.local/v1",
			want:    "https://gateway.local/v1/chat/completions",
		},
		{
			name:    "full endpoint passed through",
			baseURL: "https://gateway.local/v1/chat/completions",
			want:    "https://gateway.local/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.BuildURL(tt.baseURL))
		})
	}
}

func TestOpenAIAdapter_ParseResponse(t *testing.T) {
	a := openAIAdapter{}

	body := []byte(`{
		"model": "gpt-4o-mini",
		"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
	}`)

	resp, err := a.ParseResponse(body, "requested")
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestOpenAIAdapter_ParseResponse_NoChoices(t *testing.T) {
	a := openAIAdapter{}

	_, err := a.ParseResponse([]byte(`{"model": "m", "choices": []}`), "m")
	assert.Error(t, err)
}

func TestHTTPProvider_Availability(t *testing.T) {
	openai, err := NewOpenAI(map[string]any{"api_key_env": "FLOWHOOK_TEST_MISSING_KEY"})
	require.NoError(t, err)
	assert.False(t, openai.IsAvailable(), "keyed provider without key is unavailable")

	withKey, err := NewOpenAI(map[string]any{"api_key": "sk-test"})
	require.NoError(t, err)
	assert.True(t, withKey.IsAvailable())

	ollama, err := NewOllama(nil)
	require.NoError(t, err)
	assert.True(t, ollama.IsAvailable(), "keyless provider is always available")
}

func TestHTTPProvider_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"content": "pong"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	}))
	defer server.Close()

	p, err := NewOpenAI(map[string]any{"api_key": "sk-test", "base_url": server.URL})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), llm.Request{
		Model:    "gpt-4o-mini",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
}

func TestHTTPProvider_Complete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unavailable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, true},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			p, err := NewOpenAI(map[string]any{"api_key": "sk-test", "base_url": server.URL})
			require.NoError(t, err)

			_, err = p.Complete(context.Background(), llm.Request{
				Model:    "m",
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, llm.IsUnavailable(err))
			assert.Equal(t, !tt.unavailable, llm.IsRejected(err))
		})
	}
}

func TestHTTPProvider_Complete_NetworkError(t *testing.T) {
	p, err := NewOpenAI(map[string]any{"api_key": "sk-test", "base_url": "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), llm.Request{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
	})
	assert.True(t, llm.IsUnavailable(err))
}

func TestRegister(t *testing.T) {
	reg := llm.NewRegistry()
	Register(reg, "", "")

	for _, name := range []string{"openai", "anthropic", "ollama"} {
		assert.True(t, reg.IsRegistered(name), name)
	}

	assert.Equal(t, "claude-sonnet-4-20250514", reg.DefaultConfig("anthropic")["default_model"])
	assert.Equal(t, "ANTHROPIC_API_KEY", reg.DefaultConfig("anthropic")["api_key_env"])
}
