package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for memlens.
type Config struct {
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Search      SearchConfig      `json:"search" yaml:"search"`
	TextIndex   TextIndexConfig   `json:"text_index" yaml:"text_index"`
	Embedding   EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	LLM         LLMConfig         `json:"llm" yaml:"llm"`
	Intent      IntentConfig      `json:"intent" yaml:"intent"`
	Indexer     IndexerConfig     `json:"indexer" yaml:"indexer"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
	Log         LogConfig         `json:"log" yaml:"log"`

	mu sync.RWMutex
}

type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// SearchConfig holds fusion tuning. Weights apply when both signals are present.
type SearchConfig struct {
	TextWeight        float64 `json:"text_weight" yaml:"text_weight"`
	VectorWeight      float64 `json:"vector_weight" yaml:"vector_weight"`
	DecayHalflifeDays float64 `json:"decay_halflife_days" yaml:"decay_halflife_days"`
	DecayKeywordOnly  bool    `json:"decay_keyword_only,omitempty" yaml:"decay_keyword_only"`
	MinSimilarity     float64 `json:"min_similarity" yaml:"min_similarity"`
	DefaultLimit      int     `json:"default_limit" yaml:"default_limit"`
	MaxLimit          int     `json:"max_limit" yaml:"max_limit"`
	EmbedTimeoutMs    int     `json:"embed_timeout_ms" yaml:"embed_timeout_ms"`
}

// TextIndexConfig selects the keyword index backend: "fts5" (default) or "bleve".
type TextIndexConfig struct {
	Backend   string `json:"backend" yaml:"backend"`
	BlevePath string `json:"bleve_path,omitempty" yaml:"bleve_path"`
}

// EmbeddingConfig selects the embedding provider: "openai", "ollama", "hash" or "none".
type EmbeddingConfig struct {
	Provider      string `json:"provider" yaml:"provider"`
	Model         string `json:"model,omitempty" yaml:"model"`
	BaseURL       string `json:"base_url,omitempty" yaml:"base_url"`
	APIKey        string `json:"api_key,omitempty" yaml:"api_key"`
	Dimensions    int    `json:"dimensions" yaml:"dimensions"`
	MaxTokens     int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
	RatePerMinute int    `json:"rate_per_minute,omitempty" yaml:"rate_per_minute"`
	CacheSize     int    `json:"cache_size,omitempty" yaml:"cache_size"`
	TimeoutMs     int    `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Retry         int    `json:"retry,omitempty" yaml:"retry"`
}

// LLMConfig selects the intent LLM: "openai", "anthropic", "dashscope", "ollama" or "none".
type LLMConfig struct {
	Provider  string `json:"provider" yaml:"provider"`
	Model     string `json:"model,omitempty" yaml:"model"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url"`
	APIKey    string `json:"api_key,omitempty" yaml:"api_key"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

type IntentConfig struct {
	TimeoutMs int `json:"timeout_ms" yaml:"timeout_ms"`
}

type IndexerConfig struct {
	Workers        int `json:"workers" yaml:"workers"`
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	BatchSize      int `json:"batch_size" yaml:"batch_size"`
	MaxAttempts    int `json:"max_attempts" yaml:"max_attempts"`
}

// MaintenanceConfig holds cron expressions; an empty expression disables the job.
type MaintenanceConfig struct {
	BackfillCron  string `json:"backfill_cron,omitempty" yaml:"backfill_cron"`
	CheckCron     string `json:"check_cron,omitempty" yaml:"check_cron"`
	RetentionCron string `json:"retention_cron,omitempty" yaml:"retention_cron"`
	RetentionDays int    `json:"retention_days,omitempty" yaml:"retention_days"`
}

type HTTPConfig struct {
	Listen        string `json:"listen" yaml:"listen"`
	Token         string `json:"token,omitempty" yaml:"token"`
	RatePerMinute int    `json:"rate_per_minute,omitempty" yaml:"rate_per_minute"`
	Burst         int    `json:"burst,omitempty" yaml:"burst"`
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty" yaml:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	SampleRatio float64           `json:"sample_ratio,omitempty" yaml:"sample_ratio"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file,omitempty" yaml:"file"`
}

// Default returns a config with every field at its built-in value.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "~/.memlens/memlens.db"},
		Search: SearchConfig{
			TextWeight:        0.4,
			VectorWeight:      0.6,
			DecayHalflifeDays: 14,
			MinSimilarity:     0.3,
			DefaultLimit:      50,
			MaxLimit:          500,
			EmbedTimeoutMs:    3000,
		},
		TextIndex: TextIndexConfig{Backend: "fts5", BlevePath: "~/.memlens/text.bleve"},
		Embedding: EmbeddingConfig{
			Provider:      "hash",
			Dimensions:    384,
			MaxTokens:     8000,
			RatePerMinute: 600,
			CacheSize:     1024,
			TimeoutMs:     15000,
			Retry:         3,
		},
		LLM:    LLMConfig{Provider: "none", MaxTokens: 512},
		Intent: IntentConfig{TimeoutMs: 6000},
		Indexer: IndexerConfig{
			Workers:        2,
			PollIntervalMs: 5000,
			BatchSize:      100,
			MaxAttempts:    5,
		},
		Maintenance: MaintenanceConfig{
			BackfillCron:  "*/10 * * * *",
			CheckCron:     "17 3 * * *",
			RetentionDays: 0,
		},
		HTTP: HTTPConfig{Listen: "127.0.0.1:7411", RatePerMinute: 600, Burst: 30},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads the config file at path over Default(). A missing file is not
// an error. ".yaml"/".yml" files are parsed as YAML, anything else as JSON5.
// Env overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case err == nil:
		if err := cfg.decode(path, data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	default:
		return json5.Unmarshal(data, c)
	}
}

// Save writes cfg to path as indented JSON (valid JSON5), creating parent dirs.
func Save(path string, cfg *Config) error {
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	cfg.mu.RLock()
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnvOverrides lets environment variables win over file values.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	envInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr(&c.Database.Path, "MEMLENS_DB")
	envStr(&c.TextIndex.Backend, "MEMLENS_TEXT_INDEX")
	envStr(&c.Embedding.Provider, "MEMLENS_EMBEDDING_PROVIDER")
	envStr(&c.Embedding.Model, "MEMLENS_EMBEDDING_MODEL")
	envStr(&c.Embedding.BaseURL, "MEMLENS_EMBEDDING_BASE_URL")
	envInt(&c.Embedding.Dimensions, "MEMLENS_EMBEDDING_DIMENSIONS")
	envStr(&c.LLM.Provider, "MEMLENS_LLM_PROVIDER")
	envStr(&c.LLM.Model, "MEMLENS_LLM_MODEL")
	envStr(&c.LLM.BaseURL, "MEMLENS_LLM_BASE_URL")
	envInt(&c.Intent.TimeoutMs, "MEMLENS_INTENT_TIMEOUT_MS")
	envStr(&c.HTTP.Listen, "MEMLENS_HTTP_LISTEN")
	envStr(&c.HTTP.Token, "MEMLENS_HTTP_TOKEN")
	envStr(&c.Log.Level, "MEMLENS_LOG_LEVEL")
	envStr(&c.Log.File, "MEMLENS_LOG_FILE")
	envStr(&c.Telemetry.Endpoint, "MEMLENS_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	switch c.Embedding.Provider {
	case "openai":
		envStr(&c.Embedding.APIKey, "MEMLENS_OPENAI_API_KEY", "OPENAI_API_KEY")
	}
	switch c.LLM.Provider {
	case "openai":
		envStr(&c.LLM.APIKey, "MEMLENS_OPENAI_API_KEY", "OPENAI_API_KEY")
	case "anthropic":
		envStr(&c.LLM.APIKey, "MEMLENS_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	case "dashscope":
		envStr(&c.LLM.APIKey, "MEMLENS_DASHSCOPE_API_KEY", "DASHSCOPE_API_KEY")
	}
	if v := os.Getenv("MEMLENS_OTEL_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// ReplaceFrom copies all settings from src, for hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	snapshot := Config{
		Database:    src.Database,
		Search:      src.Search,
		TextIndex:   src.TextIndex,
		Embedding:   src.Embedding,
		LLM:         src.LLM,
		Intent:      src.Intent,
		Indexer:     src.Indexer,
		Maintenance: src.Maintenance,
		HTTP:        src.HTTP,
		Telemetry:   src.Telemetry,
		Log:         src.Log,
	}
	src.mu.RUnlock()

	c.mu.Lock()
	c.Database = snapshot.Database
	c.Search = snapshot.Search
	c.TextIndex = snapshot.TextIndex
	c.Embedding = snapshot.Embedding
	c.LLM = snapshot.LLM
	c.Intent = snapshot.Intent
	c.Indexer = snapshot.Indexer
	c.Maintenance = snapshot.Maintenance
	c.HTTP = snapshot.HTTP
	c.Telemetry = snapshot.Telemetry
	c.Log = snapshot.Log
	c.mu.Unlock()
}

// SearchSettings returns a consistent copy of the search section.
func (c *Config) SearchSettings() SearchConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Search
}

// IntentTimeout returns the LLM deadline for intent parsing.
func (c *Config) IntentTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Intent.TimeoutMs) * time.Millisecond
}

func (c *Config) IndexerSettings() IndexerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Indexer
}

func (c *Config) MaintenanceSettings() MaintenanceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Maintenance
}

// HTTPSettings returns the http section; token changes apply per request.
func (c *Config) HTTPSettings() HTTPConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.HTTP
}

// EmbedTimeout is the query-embedding budget inside a search request.
func (s SearchConfig) EmbedTimeout() time.Duration {
	return time.Duration(s.EmbedTimeoutMs) * time.Millisecond
}

func (i IndexerConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// DatabasePath returns the expanded SQLite path.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.Path)
}

// Hash returns a short fingerprint of the effective config.
func (c *Config) Hash() string {
	c.mu.RLock()
	data, _ := json.Marshal(c)
	c.mu.RUnlock()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// MaskedCopy returns a JSON-friendly map with secrets masked.
func (c *Config) MaskedCopy() map[string]any {
	c.mu.RLock()
	data, _ := json.Marshal(c)
	c.mu.RUnlock()

	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	maskSecrets(raw)
	return raw
}

var secretKeys = map[string]bool{"api_key": true, "token": true, "headers": true}

func maskSecrets(m map[string]any) {
	for k, v := range m {
		if secretKeys[k] {
			switch s := v.(type) {
			case string:
				m[k] = maskValue(s)
			case map[string]any:
				for hk, hv := range s {
					if hs, ok := hv.(string); ok {
						s[hk] = maskValue(hs)
					}
				}
			}
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			maskSecrets(sub)
		}
	}
}

func maskValue(s string) string {
	switch {
	case len(s) > 8:
		return s[:4] + "****" + s[len(s)-4:]
	case s != "":
		return "****"
	default:
		return s
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// DefaultPath is the config location used when neither --config nor
// MEMLENS_CONFIG is set.
func DefaultPath() string {
	return ExpandHome("~/.memlens/config.json5")
}
