package config

import "time"

// Config represents the complete vibecoder configuration.
type Config struct {
	Service         ServiceConfig             `yaml:"service"`
	Database        DatabaseConfig            `yaml:"database"`
	API             APIConfig                 `yaml:"api"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	DefaultProvider string                    `yaml:"default_provider"`
	Agent           AgentConfig               `yaml:"agent"`
	Chat            ChatConfig                `yaml:"chat"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen                  string        `yaml:"listen"`
	Token                   string        `yaml:"token"`
	StreamHeartbeatInterval time.Duration `yaml:"stream_heartbeat_interval"`
	SessionLockTimeout      time.Duration `yaml:"session_lock_timeout"`
}

// ProviderConfig defines one LLM provider endpoint.
type ProviderConfig struct {
	Kind         string   `yaml:"kind"`
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url,omitempty"`
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models,omitempty"`
}

// AgentConfig defines default agent loop behavior.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	Temperature   float32       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	SystemPrompt  string        `yaml:"system_prompt"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
}

// ChatConfig defines defaults for streaming chat requests.
type ChatConfig struct {
	Temperature  float32 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`
}
