package provider

import (
	"strings"

	"github.com/stellarlinkco/npcbrain/internal/config"
)

// New constructs the backend described by cfg. A missing credential or an
// unknown provider yields a *ConfigError.
func New(cfg config.LLMConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "claude", "anthropic":
		return NewClaude(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "gemini", "google":
		return NewGemini(cfg)
	case "ollama":
		return NewOllama(config.FallbackConfig{Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	default:
		return nil, &ConfigError{Provider: cfg.Provider, Reason: "unknown provider"}
	}
}
