package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MEMLENS_DB", "MEMLENS_TEXT_INDEX", "MEMLENS_EMBEDDING_PROVIDER", "MEMLENS_LLM_PROVIDER",
		"MEMLENS_INTENT_TIMEOUT_MS", "MEMLENS_HTTP_TOKEN", "MEMLENS_LOG_LEVEL", "MEMLENS_OTEL_ENABLED",
		"MEMLENS_ANTHROPIC_API_KEY", "MEMLENS_OPENAI_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.SearchSettings()
	if s.TextWeight != 0.4 || s.VectorWeight != 0.6 || s.DecayHalflifeDays != 14 {
		t.Errorf("search defaults = %+v", s)
	}
	if cfg.IntentTimeout() != 6*time.Second {
		t.Errorf("IntentTimeout = %v, want 6s", cfg.IntentTimeout())
	}
	if cfg.TextIndex.Backend != "fts5" {
		t.Errorf("backend = %q", cfg.TextIndex.Backend)
	}
}

func TestLoadJSON5AndYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	json5Path := filepath.Join(dir, "config.json5")
	os.WriteFile(json5Path, []byte(`{
		// comments and trailing commas are fine
		search: { text_weight: 0.5, vector_weight: 0.5, },
		text_index: { backend: "BLEVE" },
		intent: { timeout_ms: 2500 },
	}`), 0o600)

	cfg, err := Load(json5Path)
	if err != nil {
		t.Fatalf("Load json5: %v", err)
	}
	if cfg.Search.TextWeight != 0.5 || cfg.TextIndex.Backend != "bleve" {
		t.Errorf("json5 config = %+v / %+v", cfg.Search, cfg.TextIndex)
	}
	if cfg.IntentTimeout() != 2500*time.Millisecond {
		t.Errorf("IntentTimeout = %v", cfg.IntentTimeout())
	}
	if cfg.Search.DecayHalflifeDays != 14 {
		t.Errorf("unset field lost its default: %v", cfg.Search.DecayHalflifeDays)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	os.WriteFile(yamlPath, []byte("search:\n  decay_halflife_days: 7\nindexer:\n  workers: 4\n"), 0o600)
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if cfg.Search.DecayHalflifeDays != 7 || cfg.Indexer.Workers != 4 {
		t.Errorf("yaml config = %+v / %+v", cfg.Search, cfg.Indexer)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMLENS_DB", "/tmp/override.db")
	t.Setenv("MEMLENS_LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key-123456")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath() != "/tmp/override.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey != "sk-ant-test-key-123456" {
		t.Errorf("llm = %+v", cfg.LLM)
	}

	masked := cfg.MaskedCopy()
	llm := masked["llm"].(map[string]any)
	if got := llm["api_key"]; got != "sk-a****3456" {
		t.Errorf("masked api_key = %v", got)
	}
}

func TestNormalizeAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		check   func(t *testing.T, c *Config)
		wantErr string
	}{
		{
			name:   "negative weights reset",
			mutate: func(c *Config) { c.Search.TextWeight = -1 },
			check: func(t *testing.T, c *Config) {
				if c.Search.TextWeight != 0.4 || c.Search.VectorWeight != 0.6 {
					t.Errorf("weights = %v/%v", c.Search.TextWeight, c.Search.VectorWeight)
				}
			},
		},
		{
			name:   "default limit capped by max",
			mutate: func(c *Config) { c.Search.DefaultLimit = 900; c.Search.MaxLimit = 100 },
			check: func(t *testing.T, c *Config) {
				if c.Search.DefaultLimit != 100 {
					t.Errorf("DefaultLimit = %d", c.Search.DefaultLimit)
				}
			},
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.TextIndex.Backend = "lucene" },
			wantErr: "text_index.backend",
		},
		{
			name:    "bad cron",
			mutate:  func(c *Config) { c.Maintenance.CheckCron = "every day" },
			wantErr: "check_cron",
		},
		{
			name:    "retention cron needs days",
			mutate:  func(c *Config) { c.Maintenance.RetentionCron = "0 4 * * *" },
			wantErr: "retention_days",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			c.Normalize()
			err := c.Validate()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.json5")
	cfg := Default()
	cfg.Search.MinSimilarity = 0.42
	cfg.Normalize()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Search.MinSimilarity != 0.42 {
		t.Errorf("MinSimilarity = %v", got.Search.MinSimilarity)
	}
	if got.Hash() != cfg.Hash() {
		t.Errorf("hash changed across save/load")
	}
}

func TestWatcherReloads(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json5")
	os.WriteFile(path, []byte(`{search: {min_similarity: 0.1}}`), 0o600)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	got := make(chan float64, 4)
	w.OnReload(func(next *Config) { got <- next.SearchSettings().MinSimilarity })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	os.WriteFile(path, []byte(`{search: {min_similarity: 0.2}}`), 0o600)
	select {
	case v := <-got:
		if v != 0.2 {
			t.Errorf("reloaded min_similarity = %v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload within 3s")
	}
}

func TestLoggerFanout(t *testing.T) {
	var text, js bytes.Buffer
	log := NewLogger(&text, &js, ParseLevel("debug"))
	log.Debug("search.degraded", "reason", "embedding")
	if !strings.Contains(text.String(), "search.degraded") {
		t.Errorf("text handler missed record: %q", text.String())
	}
	if !strings.Contains(js.String(), `"reason":"embedding"`) {
		t.Errorf("json handler missed record: %q", js.String())
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Error("unknown level should map to info")
	}
}
