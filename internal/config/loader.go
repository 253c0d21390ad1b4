package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxAgentIterations is the hard ceiling on agent loop iterations.
const MaxAgentIterations = 10

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validKinds = map[string]bool{"anthropic": true, "openai": true, "ollama": true}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "vibecoder"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/vibecoder.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8090"
	}
	if cfg.API.StreamHeartbeatInterval == 0 {
		cfg.API.StreamHeartbeatInterval = 15 * time.Second
	}
	if cfg.API.SessionLockTimeout == 0 {
		cfg.API.SessionLockTimeout = 30 * time.Second
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = MaxAgentIterations
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.Temperature == 0 {
		cfg.Agent.Temperature = 0.2
	}
	if cfg.Agent.StepTimeout == 0 {
		cfg.Agent.StepTimeout = 120 * time.Second
	}
	if cfg.Chat.MaxTokens == 0 {
		cfg.Chat.MaxTokens = 8192
	}
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = 0.7
	}
	if cfg.DefaultProvider == "" && len(cfg.Providers) == 1 {
		for name := range cfg.Providers {
			cfg.DefaultProvider = name
		}
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if err := checkUnresolved("api.token", cfg.API.Token); err != nil {
		return err
	}
	if cfg.API.StreamHeartbeatInterval < 0 {
		return fmt.Errorf("api.stream_heartbeat_interval must be positive")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("providers: at least one provider is required")
	}
	for _, name := range ProviderNames(cfg) {
		p := cfg.Providers[name]
		if !validKinds[p.Kind] {
			return fmt.Errorf("providers.%s.kind must be one of: anthropic, openai, ollama (got %q)", name, p.Kind)
		}
		if p.Kind != "ollama" && p.APIKey == "" {
			return fmt.Errorf("providers.%s.api_key is required", name)
		}
		if err := checkUnresolved("providers."+name+".api_key", p.APIKey); err != nil {
			return err
		}
		if p.DefaultModel == "" && len(p.Models) == 0 {
			return fmt.Errorf("providers.%s.default_model is required", name)
		}
	}
	if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
		return fmt.Errorf("default_provider %q is not a configured provider", cfg.DefaultProvider)
	}
	if cfg.Agent.MaxIterations <= 0 || cfg.Agent.MaxIterations > MaxAgentIterations {
		return fmt.Errorf("agent.max_iterations must be between 1 and %d", MaxAgentIterations)
	}
	if cfg.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be positive")
	}
	if cfg.Chat.MaxTokens <= 0 {
		return fmt.Errorf("chat.max_tokens must be positive")
	}
	return nil
}

// ProviderNames returns configured provider names in sorted order.
func ProviderNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelFor returns the model to use for provider when the request names none.
func (p ProviderConfig) ModelFor(requested string) string {
	if requested != "" {
		return requested
	}
	if p.DefaultModel != "" {
		return p.DefaultModel
	}
	if len(p.Models) > 0 {
		return p.Models[0]
	}
	return ""
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
