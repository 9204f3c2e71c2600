package embedding

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/memlens/internal/config"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

// New builds the configured provider wrapped in a Service. Provider "none"
// returns nil, nil and semantic search is disabled. An openai provider
// without a key or base URL falls back to the hash provider, matching the
// behavior of running without an embedding API.
func New(cfg config.EmbeddingConfig, cache store.EmbeddingCache) (*Service, error) {
	var p store.EmbeddingProvider

	switch strings.ToLower(cfg.Provider) {
	case "none":
		return nil, nil
	case "", "hash":
		p = NewHashProvider(cfg.Dimensions)
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			slog.Warn("embedding.openai.no_key", "fallback", "hash")
			p = NewHashProvider(cfg.Dimensions)
			break
		}
		p = NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "ollama":
		op, err := NewOllamaProvider(cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		p = op
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}

	return NewService(p, cache, Options{
		Dims:          cfg.Dimensions,
		MaxTokens:     cfg.MaxTokens,
		RatePerMinute: cfg.RatePerMinute,
		CacheSize:     cfg.CacheSize,
		Timeout:       cfg.Timeout(),
	}), nil
}
