package provider

import (
	"context"
	"fmt"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/npcbrain/internal/config"
)

// sdkBackend adapts an agentsdk-go model (Anthropic or OpenAI) to Backend.
type sdkBackend struct {
	name        string
	model       model.Model
	maxTokens   int
	temperature float64
}

// NewClaude builds an Anthropic Messages API backend.
func NewClaude(cfg config.LLMConfig) (Backend, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, &ConfigError{Provider: "claude", Reason: missingKey(cfg)}
	}
	m, err := model.NewAnthropic(model.AnthropicConfig{
		APIKey:     key,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		MaxTokens:  cfg.MaxTokens,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, &ConfigError{Provider: "claude", Reason: err.Error()}
	}
	return &sdkBackend{name: "claude", model: m, maxTokens: cfg.MaxTokens, temperature: cfg.Temperature}, nil
}

// NewOpenAI builds an OpenAI chat completions backend.
func NewOpenAI(cfg config.LLMConfig) (Backend, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, &ConfigError{Provider: "openai", Reason: missingKey(cfg)}
	}
	m, err := model.NewOpenAI(model.OpenAIConfig{
		APIKey:     key,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		MaxTokens:  cfg.MaxTokens,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, &ConfigError{Provider: "openai", Reason: err.Error()}
	}
	return &sdkBackend{name: "openai", model: m, maxTokens: cfg.MaxTokens, temperature: cfg.Temperature}, nil
}

func missingKey(cfg config.LLMConfig) string {
	if cfg.APIKeyEnv != "" {
		return fmt.Sprintf("api key missing (set %s)", cfg.APIKeyEnv)
	}
	return "api key missing"
}

func (b *sdkBackend) Name() string { return b.name }

func (b *sdkBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	req = withDefaults(req, b.maxTokens, b.temperature)

	msgs := Conversational(req.Messages)
	converted := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		converted = append(converted, model.Message{Role: string(m.Role), Content: m.Content})
	}
	temperature := req.Temperature

	resp, err := b.model.Complete(ctx, model.Request{
		Messages:    converted,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s complete: %w", b.name, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%s complete: empty response", b.name)
	}
	return &Completion{
		Text:         resp.Message.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
