// ABOUTME: Builds the completion provider selected in configuration
// ABOUTME: OpenAI, Anthropic, or the offline echo provider

package gateway

import (
	"fmt"

	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/completion/anthropic"
	"github.com/2389/coven-chat/internal/completion/openai"
	"github.com/2389/coven-chat/internal/config"
)

// NewProvider returns the provider for cfg.Kind. An empty kind selects the echo provider.
func NewProvider(cfg config.ProviderConfig) (completion.Provider, error) {
	switch cfg.Kind {
	case config.ProviderOpenAI:
		return openai.New(openai.Options{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Label:     cfg.Label,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case config.ProviderAnthropic:
		return anthropic.New(anthropic.Options{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Label:     cfg.Label,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case config.ProviderScripted, "":
		return completion.Echo{Model: cfg.Model}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
