package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/beeweed/vibecoder/internal/config"
)

// Kind identifies a provider wire protocol.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindOllama    Kind = "ollama"
)

// ParseKind validates a configured provider kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAnthropic, KindOpenAI, KindOllama:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported llm provider: %q (supported: anthropic, openai, ollama)", s)
	}
}

// Params are the per-request sampling parameters.
type Params struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// NewChatModel creates an Eino ChatModel for one request against cfg.
func NewChatModel(ctx context.Context, cfg config.ProviderConfig, params Params) (model.BaseChatModel, error) {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindAnthropic:
		return newAnthropicModel(ctx, cfg, params)
	case KindOpenAI:
		return newOpenAIModel(ctx, cfg, params)
	default:
		return newOllamaModel(ctx, cfg, params)
	}
}

func newAnthropicModel(ctx context.Context, cfg config.ProviderConfig, params Params) (model.BaseChatModel, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	temperature := params.Temperature
	claudeCfg := &claude.Config{
		APIKey:      cfg.APIKey,
		Model:       params.Model,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if cfg.BaseURL != "" {
		claudeCfg.BaseURL = &cfg.BaseURL
	}

	m, err := claude.NewChatModel(ctx, claudeCfg)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return m, nil
}

func newOpenAIModel(ctx context.Context, cfg config.ProviderConfig, params Params) (model.BaseChatModel, error) {
	temperature := params.Temperature
	openAICfg := &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		Model:       params.Model,
		Temperature: &temperature,
	}
	if params.MaxTokens > 0 {
		maxTokens := params.MaxTokens
		openAICfg.MaxTokens = &maxTokens
	}
	if cfg.BaseURL != "" {
		openAICfg.BaseURL = cfg.BaseURL
	}

	m, err := openai.NewChatModel(ctx, openAICfg)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return m, nil
}

func newOllamaModel(ctx context.Context, cfg config.ProviderConfig, params Params) (model.BaseChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	ollamaCfg := &ollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   params.Model,
		Options: &ollama.Options{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
		},
	}

	m, err := ollama.NewChatModel(ctx, ollamaCfg)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return m, nil
}

// Factory resolves provider names from configuration into chat models.
type Factory struct {
	providers map[string]config.ProviderConfig
	fallback  string
}

// NewFactory creates a Factory over the configured providers.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		providers: cfg.Providers,
		fallback:  cfg.DefaultProvider,
	}
}

// Resolve returns the provider config and effective model for a request.
func (f *Factory) Resolve(name, modelName string) (string, config.ProviderConfig, string, error) {
	if name == "" {
		name = f.fallback
	}
	cfg, ok := f.providers[name]
	if !ok {
		return "", config.ProviderConfig{}, "", fmt.Errorf("unknown provider %q", name)
	}
	m := cfg.ModelFor(modelName)
	if m == "" {
		return "", config.ProviderConfig{}, "", fmt.Errorf("provider %q has no model configured", name)
	}
	return name, cfg, m, nil
}

// ChatModel builds the model used by the agent loop.
func (f *Factory) ChatModel(ctx context.Context, name string, params Params) (model.BaseChatModel, error) {
	_, cfg, m, err := f.Resolve(name, params.Model)
	if err != nil {
		return nil, err
	}
	params.Model = m
	return NewChatModel(ctx, cfg, params)
}
