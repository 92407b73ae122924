package providers

import (
	"github.com/flowhook/flowhook/llm"
)

// Register installs the production provider set into the registry.
// Called once at process startup; tests register their own doubles
// instead.
func Register(registry *llm.Registry, baseURL, defaultModel string) {
	registry.Register("openai", NewOpenAI, map[string]any{
		"api_key_env":   "OPENAI_API_KEY",
		"default_model": firstNonEmpty(defaultModel, "gpt-4o-mini"),
		"base_url":      baseURL,
	})

	registry.Register("anthropic", NewAnthropic, map[string]any{
		"api_key_env":   "ANTHROPIC_API_KEY",
		"default_model": firstNonEmpty(defaultModel, "claude-sonnet-4-20250514"),
	})

	registry.Register("ollama", NewOllama, map[string]any{
		"default_model": firstNonEmpty(defaultModel, "qwen2.5-coder:32b"),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
