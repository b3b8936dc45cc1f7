package completion

import (
	"context"
	"fmt"
)

const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig selects and authenticates a completion backend.
type ProviderConfig struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// NewService creates a new completion service based on the provider name
func NewService(ctx context.Context, cfg ProviderConfig) (Service, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		return NewGeminiService(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAIService(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicService(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// SupportedProviders lists the provider names accepted by NewService.
func SupportedProviders() []string {
	return []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic}
}
