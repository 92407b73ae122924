// Package config provides configuration loading and management for Flowhook.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names recognized by the engine.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Config represents the complete Flowhook configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	Database    DatabaseConfig `yaml:"database"`
	Queue       QueueConfig    `yaml:"queue"`
	Webhook     WebhookConfig  `yaml:"webhook"`
	LLM         LLMConfig      `yaml:"llm"`
	Worker      WorkerConfig   `yaml:"worker"`
	Bus         BusConfig      `yaml:"bus"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// URL is the connection string (empty = store disabled).
	URL string `yaml:"url"`
	// PoolSize is the maximum number of open connections.
	PoolSize int `yaml:"pool_size"`
	// MaxOverflow is additional connections allowed beyond PoolSize.
	MaxOverflow int `yaml:"max_overflow"`
	// PoolTimeout bounds waiting for a connection from the pool.
	PoolTimeout time.Duration `yaml:"pool_timeout"`
	// PoolRecycle is the maximum lifetime of a pooled connection.
	PoolRecycle time.Duration `yaml:"pool_recycle"`
	// SSLRequired enforces TLS on the connection.
	SSLRequired bool `yaml:"ssl_required"`
	// SkipInit disables opening the store at startup.
	SkipInit bool `yaml:"skip_init"`
}

// QueueConfig configures the broker-backed work queue.
type QueueConfig struct {
	// URL is the broker connection string (default: localhost Redis).
	URL string `yaml:"url"`
	// Prefix namespaces all queue keys.
	Prefix string `yaml:"prefix"`
	// ReclaimInterval is how often abandoned items are scanned for.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	// StaleTimeout is how long an item may sit in processing before
	// reclaim considers its worker dead.
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

// WebhookConfig configures inbound webhook verification.
type WebhookConfig struct {
	// Secret is the HMAC-SHA256 key for signature verification.
	Secret string `yaml:"secret"`
	// Listen is the HTTP bind address for the intake server.
	Listen string `yaml:"listen"`
}

// LLMConfig configures the provider manager.
type LLMConfig struct {
	// Provider is the default provider name.
	Provider string `yaml:"provider"`
	// Model is the default model when a request names none.
	Model string `yaml:"model"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// MaxTokens limits response length. 0 uses provider default.
	MaxTokens int `yaml:"max_tokens"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`
	// FallbackOrder lists providers tried when the requested one is
	// unavailable.
	FallbackOrder []string `yaml:"fallback_order"`
}

// WorkerConfig configures execution workers.
type WorkerConfig struct {
	// ID is a stable worker identifier (empty = ephemeral).
	ID string `yaml:"id"`
	// Count is the number of concurrent workers per process.
	Count int `yaml:"count"`
	// MaxConcurrentPerWorkflow bounds running executions per workflow.
	MaxConcurrentPerWorkflow int `yaml:"max_concurrent_per_workflow"`
}

// BusConfig configures the outbound event bus.
type BusConfig struct {
	// URL is the NATS server URL (empty = outbound bus disabled).
	URL string `yaml:"url"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Database: DatabaseConfig{
			PoolSize:    10,
			MaxOverflow: 5,
			PoolTimeout: 30 * time.Second,
			PoolRecycle: 30 * time.Minute,
		},
		Queue: QueueConfig{
			URL:             "redis://localhost:6379/0",
			Prefix:          "workflow_engine",
			ReclaimInterval: 1 * time.Minute,
			StaleTimeout:    30 * time.Minute,
		},
		Webhook: WebhookConfig{
			Listen: ":8080",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Temperature: 0.2,
		},
		Worker: WorkerConfig{
			Count:                    4,
			MaxConcurrentPerWorkflow: 10,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTesting:
	default:
		return fmt.Errorf("environment must be one of development, staging, production, testing (got %q)", c.Environment)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive")
	}
	if c.Queue.Prefix == "" {
		return fmt.Errorf("queue.prefix is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive")
	}
	if c.Worker.MaxConcurrentPerWorkflow <= 0 {
		return fmt.Errorf("worker.max_concurrent_per_workflow must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence
// for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Environment != "" {
		c.Environment = other.Environment
	}

	if other.Database.URL != "" {
		c.Database.URL = other.Database.URL
	}
	if other.Database.PoolSize != 0 {
		c.Database.PoolSize = other.Database.PoolSize
	}
	if other.Database.MaxOverflow != 0 {
		c.Database.MaxOverflow = other.Database.MaxOverflow
	}
	if other.Database.PoolTimeout != 0 {
		c.Database.PoolTimeout = other.Database.PoolTimeout
	}
	if other.Database.PoolRecycle != 0 {
		c.Database.PoolRecycle = other.Database.PoolRecycle
	}
	if other.Database.SSLRequired {
		c.Database.SSLRequired = true
	}
	if other.Database.SkipInit {
		c.Database.SkipInit = true
	}

	if other.Queue.URL != "" {
		c.Queue.URL = other.Queue.URL
	}
	if other.Queue.Prefix != "" {
		c.Queue.Prefix = other.Queue.Prefix
	}
	if other.Queue.ReclaimInterval != 0 {
		c.Queue.ReclaimInterval = other.Queue.ReclaimInterval
	}
	if other.Queue.StaleTimeout != 0 {
		c.Queue.StaleTimeout = other.Queue.StaleTimeout
	}

	if other.Webhook.Secret != "" {
		c.Webhook.Secret = other.Webhook.Secret
	}
	if other.Webhook.Listen != "" {
		c.Webhook.Listen = other.Webhook.Listen
	}

	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.BaseURL != "" {
		c.LLM.BaseURL = other.LLM.BaseURL
	}
	if len(other.LLM.FallbackOrder) > 0 {
		c.LLM.FallbackOrder = other.LLM.FallbackOrder
	}

	if other.Worker.ID != "" {
		c.Worker.ID = other.Worker.ID
	}
	if other.Worker.Count != 0 {
		c.Worker.Count = other.Worker.Count
	}
	if other.Worker.MaxConcurrentPerWorkflow != 0 {
		c.Worker.MaxConcurrentPerWorkflow = other.Worker.MaxConcurrentPerWorkflow
	}

	if other.Bus.URL != "" {
		c.Bus.URL = other.Bus.URL
	}
}
