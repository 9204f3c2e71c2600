package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/config"
	"github.com/nextlevelbuilder/memlens/internal/cron"
	httpapi "github.com/nextlevelbuilder/memlens/internal/http"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the indexer, maintenance jobs and HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) {
	cfg, closeLog := mustLoadConfig()
	defer closeLog()

	a, err := newApp(ctx, cfg)
	if err != nil {
		exitErr(err)
	}
	defer a.Close()

	shutdownOTel := initOTelExporter(ctx, cfg)

	a.indexer.Start(ctx)

	jobs := cron.NewService(a.cronStatePath())
	if err := registerMaintenanceJobs(jobs, a); err != nil {
		exitErr(err)
	}
	jobs.Start(ctx)

	hs := cfg.HTTPSettings()
	api := httpapi.NewServer(httpapi.Deps{
		Records:    a.db,
		Engine:     a.engine,
		Translator: a.translator,
		Indexer:    a.indexer,
		Bus:        a.bus,
		Jobs:       jobs,
	}, httpapi.Options{
		Token:         func() string { return cfg.HTTPSettings().Token },
		RetentionDays: func() int { return cfg.MaintenanceSettings().RetentionDays },
		RatePerMinute: hs.RatePerMinute,
		Burst:         hs.Burst,
		Version:       Version,
	})
	srv := &http.Server{
		Addr:              hs.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watchConfig(ctx, cfg, jobs, a)

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("memlens listening", "addr", hs.Listen, "version", Version,
			"text_index", a.text.Name(), "semantic", a.engine.SemanticEnabled(), "llm", a.translator.LLMEnabled())
		if hs.Token == "" {
			slog.Warn("http.token is empty; the API accepts unauthenticated requests")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-srvErr:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	jobs.Stop()
	a.indexer.Stop()
	if err := shutdownOTel(sctx); err != nil {
		slog.Warn("otel shutdown", "error", err)
	}
}

// watchConfig hot-reloads the config file. Search tuning, the intent
// timeout, indexer tuning, the API token and retention days are read per
// use; maintenance schedules are re-registered here. Storage and provider
// changes need a restart.
func watchConfig(ctx context.Context, cfg *config.Config, jobs *cron.Service, a *app) {
	w, err := config.NewWatcher(resolveConfigPath())
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return
	}
	w.OnReload(func(next *config.Config) {
		prev := cfg.MaintenanceSettings()
		restart := cfg.DatabasePath() != next.DatabasePath() ||
			cfg.TextIndex != next.TextIndex ||
			cfg.Embedding != next.Embedding ||
			cfg.LLM != next.LLM ||
			cfg.HTTPSettings().Listen != next.HTTPSettings().Listen
		cfg.ReplaceFrom(next)

		if restart {
			slog.Warn("config.reload.restart_required", "reason", "storage, provider or listen address changed")
		}
		if prev != cfg.MaintenanceSettings() {
			if err := registerMaintenanceJobs(jobs, a); err != nil {
				slog.Error("config.reload.jobs", "error", err)
			}
		}
	})
	go func() {
		if err := w.Run(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()
}
