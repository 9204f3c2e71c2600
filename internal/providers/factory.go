package providers

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/memlens/internal/config"
)

// New builds the chat provider named in cfg. Provider "none" (or an
// openai/anthropic provider without a key) yields nil, nil: intent parsing
// then always uses the local fallback.
func New(cfg config.LLMConfig) (ChatProvider, error) {
	opts := Options{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "openai":
		if opts.APIKey == "" && opts.BaseURL == "" {
			return nil, nil
		}
		return NewOpenAIProvider("openai", opts), nil
	case "dashscope":
		if opts.APIKey == "" {
			return nil, nil
		}
		return NewDashScopeProvider(opts), nil
	case "anthropic":
		if opts.APIKey == "" {
			return nil, nil
		}
		return NewAnthropicProvider(opts), nil
	case "ollama":
		return NewOllamaProvider(opts)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
