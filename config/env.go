package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays recognized environment variables onto the config.
// Environment variables take precedence over file configuration.
func (c *Config) FromEnv() {
	c.fromEnviron(os.Environ())
}

// fromEnviron applies variables from the given environment slice.
// Split out so tests can inject a synthetic environment.
func (c *Config) fromEnviron(environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	if v := env["ENVIRONMENT"]; v != "" {
		c.Environment = v
	}

	if v := env["DATABASE_URL"]; v != "" {
		c.Database.URL = v
	}
	if v, ok := envInt(env, "DB_POOL_SIZE"); ok {
		c.Database.PoolSize = v
	}
	if v, ok := envInt(env, "DB_MAX_OVERFLOW"); ok {
		c.Database.MaxOverflow = v
	}
	if v, ok := envSeconds(env, "DB_POOL_TIMEOUT"); ok {
		c.Database.PoolTimeout = v
	}
	if v, ok := envSeconds(env, "DB_POOL_RECYCLE"); ok {
		c.Database.PoolRecycle = v
	}
	if v, ok := envBool(env, "DB_SSL_REQUIRED"); ok {
		c.Database.SSLRequired = v
	}
	if v, ok := envBool(env, "SKIP_DB_INIT"); ok {
		c.Database.SkipInit = v
	}

	if v := env["QUEUE_URL"]; v != "" {
		c.Queue.URL = v
	}
	if v := env["QUEUE_PREFIX"]; v != "" {
		c.Queue.Prefix = v
	}

	if v := env["WORKER_ID"]; v != "" {
		c.Worker.ID = v
	}

	if v := env["WEBHOOK_SECRET"]; v != "" {
		c.Webhook.Secret = v
	}

	if v := env["LLM_PROVIDER"]; v != "" {
		c.LLM.Provider = v
	}
	if v := env["LLM_MODEL"]; v != "" {
		c.LLM.Model = v
	}
	if v := env["LLM_TEMPERATURE"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLM.Temperature = f
		}
	}
	if v, ok := envInt(env, "LLM_MAX_TOKENS"); ok {
		c.LLM.MaxTokens = v
	}
	if v := env["LLM_BASE_URL"]; v != "" {
		c.LLM.BaseURL = v
	}

	if v := env["NATS_URL"]; v != "" {
		c.Bus.URL = v
	}
}

// APIKeyEnv returns the conventional environment variable name holding
// the API key for a provider, e.g. "openai" -> "OPENAI_API_KEY".
func APIKeyEnv(provider string) string {
	return fmt.Sprintf("%s_API_KEY", strings.ToUpper(provider))
}

func envInt(env map[string]string, key string) (int, bool) {
	v := env[key]
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSeconds(env map[string]string, key string) (time.Duration, bool) {
	n, ok := envInt(env, key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func envBool(env map[string]string, key string) (bool, bool) {
	v := strings.ToLower(env[key])
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
