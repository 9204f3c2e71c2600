package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/mcp"
)

func mcpCmd() *cobra.Command {
	var noIndexer bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve search tools to an MCP client over stdio",
		Long: `Expose search_activity, parse_intent, ask_activity and get_activity as MCP
tools on stdin/stdout. Logs go to stderr and the configured log file.

Example client entry:
  {"command": "memlens", "args": ["mcp"]}`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			if !noIndexer {
				a.indexer.Start(ctx)
				defer a.indexer.Stop()
			}

			s := mcp.NewServer(mcp.Deps{
				Engine:     a.engine,
				Translator: a.translator,
				Records:    a.db,
			}, Version)
			slog.Info("mcp.stdio.start", "version", Version, "indexer", !noIndexer)
			if err := mcp.ServeStdio(s); err != nil {
				slog.Error("mcp.stdio.stopped", "error", err)
			}
		},
	}
	cmd.Flags().BoolVar(&noIndexer, "no-indexer", false, "do not index new records while serving")
	return cmd
}
