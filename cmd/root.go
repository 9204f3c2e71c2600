package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "0.1.0-dev"

var (
	cfgFile  string
	logLevel string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "memlens",
	Short: "Hybrid keyword and semantic search over your screen activity log",
	Long: `memlens indexes captured screen activity (app, window title, OCR text)
and answers keyword, semantic and natural-language queries over it.

Running memlens without a subcommand starts the server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $MEMLENS_CONFIG or ~/.memlens/config.json5)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON instead of formatted output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(doctorCmd())
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns --config, then $MEMLENS_CONFIG, then the default.
func resolveConfigPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	if v := os.Getenv("MEMLENS_CONFIG"); v != "" {
		return config.ExpandHome(v)
	}
	return config.DefaultPath()
}

// mustLoadConfig loads the config and installs the process logger.
// The returned func closes the log file.
func mustLoadConfig() (*config.Config, func()) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, closeLog := config.SetupLogger(cfg.Log.File, config.ParseLevel(level))
	slog.SetDefault(logger)
	return cfg, func() { _ = closeLog() }
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}
