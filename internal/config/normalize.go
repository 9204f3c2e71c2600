package config

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

var (
	textBackends      = map[string]bool{"fts5": true, "bleve": true}
	embedProviders    = map[string]bool{"openai": true, "ollama": true, "hash": true, "none": true}
	llmProviders      = map[string]bool{"openai": true, "anthropic": true, "dashscope": true, "ollama": true, "none": true}
	telemetryProtocol = map[string]bool{"grpc": true, "http": true}
)

// Normalize lowercases enum-like fields and resets out-of-range tuning
// values to their defaults.
//   - Weights must be non-negative and not both zero
//   - Half-life must be positive
//   - Limits: 0 < default_limit <= max_limit
//   - Worker and batch counts are at least 1
func (c *Config) Normalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	def := Default()

	c.TextIndex.Backend = normalizeEnum(c.TextIndex.Backend, def.TextIndex.Backend)
	c.Embedding.Provider = normalizeEnum(c.Embedding.Provider, def.Embedding.Provider)
	c.LLM.Provider = normalizeEnum(c.LLM.Provider, def.LLM.Provider)
	c.Telemetry.Protocol = normalizeEnum(c.Telemetry.Protocol, "grpc")
	c.Log.Level = normalizeEnum(c.Log.Level, def.Log.Level)

	s := &c.Search
	if s.TextWeight < 0 || s.VectorWeight < 0 || s.TextWeight+s.VectorWeight == 0 {
		s.TextWeight, s.VectorWeight = def.Search.TextWeight, def.Search.VectorWeight
	}
	if s.DecayHalflifeDays <= 0 {
		s.DecayHalflifeDays = def.Search.DecayHalflifeDays
	}
	s.MinSimilarity = min(max(s.MinSimilarity, -1), 1)
	if s.MaxLimit <= 0 {
		s.MaxLimit = def.Search.MaxLimit
	}
	if s.DefaultLimit <= 0 {
		s.DefaultLimit = def.Search.DefaultLimit
	}
	s.DefaultLimit = min(s.DefaultLimit, s.MaxLimit)
	if s.EmbedTimeoutMs <= 0 {
		s.EmbedTimeoutMs = def.Search.EmbedTimeoutMs
	}

	if c.Intent.TimeoutMs <= 0 {
		c.Intent.TimeoutMs = def.Intent.TimeoutMs
	}
	if c.Embedding.TimeoutMs <= 0 {
		c.Embedding.TimeoutMs = def.Embedding.TimeoutMs
	}
	c.Indexer.Workers = max(c.Indexer.Workers, 1)
	c.Indexer.BatchSize = max(c.Indexer.BatchSize, 1)
	c.Indexer.MaxAttempts = max(c.Indexer.MaxAttempts, 1)
	if c.Indexer.PollIntervalMs <= 0 {
		c.Indexer.PollIntervalMs = def.Indexer.PollIntervalMs
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "memlens"
	}
}

func normalizeEnum(v, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fallback
	}
	return v
}

// Validate rejects settings Normalize cannot repair.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if !textBackends[c.TextIndex.Backend] {
		return fmt.Errorf("text_index.backend %q: want fts5 or bleve", c.TextIndex.Backend)
	}
	if !embedProviders[c.Embedding.Provider] {
		return fmt.Errorf("embedding.provider %q: want openai, ollama, hash or none", c.Embedding.Provider)
	}
	if c.Embedding.Provider != "none" && c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if !llmProviders[c.LLM.Provider] {
		return fmt.Errorf("llm.provider %q: want openai, anthropic, dashscope, ollama or none", c.LLM.Provider)
	}
	if !telemetryProtocol[c.Telemetry.Protocol] {
		return fmt.Errorf("telemetry.protocol %q: want grpc or http", c.Telemetry.Protocol)
	}

	g := gronx.New()
	for name, expr := range map[string]string{
		"maintenance.backfill_cron":  c.Maintenance.BackfillCron,
		"maintenance.check_cron":     c.Maintenance.CheckCron,
		"maintenance.retention_cron": c.Maintenance.RetentionCron,
	} {
		if expr != "" && !g.IsValid(expr) {
			return fmt.Errorf("%s: invalid cron expression %q", name, expr)
		}
	}
	if c.Maintenance.RetentionCron != "" && c.Maintenance.RetentionDays <= 0 {
		return fmt.Errorf("maintenance.retention_days must be positive when retention_cron is set")
	}
	return nil
}
