package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nextlevelbuilder/memlens/internal/bus"
	"github.com/nextlevelbuilder/memlens/internal/config"
	"github.com/nextlevelbuilder/memlens/internal/cron"
	"github.com/nextlevelbuilder/memlens/internal/embedding"
	"github.com/nextlevelbuilder/memlens/internal/indexer"
	"github.com/nextlevelbuilder/memlens/internal/intent"
	"github.com/nextlevelbuilder/memlens/internal/providers"
	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/internal/store/bleveidx"
	"github.com/nextlevelbuilder/memlens/internal/store/sqlite"
)

// app is the wired object graph shared by serve, mcp and the one-shot
// commands. Nothing is started here; serve starts the indexer and jobs.
type app struct {
	cfg        *config.Config
	db         *sqlite.Store
	text       store.TextIndex
	vectors    store.VectorIndex
	bus        *bus.RecordBus
	embedder   *embedding.Service
	engine     *search.Engine
	translator *intent.Translator
	indexer    *indexer.Indexer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := sqlite.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, vectors: db.VectorIndex(), bus: bus.New(1024)}
	db.SetNotifier(a.bus)

	switch cfg.TextIndex.Backend {
	case "bleve":
		idx, err := bleveidx.Open(config.ExpandHome(cfg.TextIndex.BlevePath))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open bleve index: %w", err)
		}
		a.text = idx
	default:
		a.text = db.TextIndex()
	}

	emb, err := embedding.New(cfg.Embedding, db)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedding: %w", err)
	}
	a.embedder = emb

	chat, err := providers.New(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}

	retry := cron.DefaultRetryConfig()
	retry.MaxRetries = cfg.Embedding.Retry
	ixOpts := []indexer.Option{
		indexer.WithBus(a.bus),
		indexer.WithSettings(cfg.IndexerSettings),
		indexer.WithRetry(retry),
	}
	engineOpts := []search.Option{
		search.WithSettings(cfg.SearchSettings),
	}
	// A nil *Service must not become a non-nil interface.
	if emb != nil {
		ixOpts = append(ixOpts, indexer.WithEmbedder(emb))
		engineOpts = append(engineOpts, search.WithEmbedder(emb))
	}
	a.indexer = indexer.New(db, a.text, a.vectors, ixOpts...)
	engineOpts = append(engineOpts, search.WithConsistencyHandler(a.indexer.OnConsistencyViolation))
	a.engine = search.New(db, a.text, a.vectors, engineOpts...)

	a.translator = intent.NewTranslator(chat,
		intent.WithTimeout(cfg.IntentTimeout),
		intent.WithEngine(a.engine),
	)

	slog.Debug("app wired",
		"db", db.Path(),
		"text_index", a.text.Name(),
		"semantic", a.engine.SemanticEnabled(),
		"llm", a.translator.LLMEnabled(),
	)
	return a, nil
}

// mustApp loads config and wires the app, exiting on failure.
func mustApp(ctx context.Context) (*app, func()) {
	cfg, closeLog := mustLoadConfig()
	a, err := newApp(ctx, cfg)
	if err != nil {
		closeLog()
		exitErr(err)
	}
	return a, func() {
		a.Close()
		closeLog()
	}
}

// cronStatePath keeps job state next to the database.
func (a *app) cronStatePath() string {
	return filepath.Join(filepath.Dir(a.db.Path()), "maintenance.json")
}

func (a *app) Close() {
	if a.text != nil {
		if err := a.text.Close(); err != nil {
			slog.Warn("text index close failed", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("record store close failed", "error", err)
	}
}
