package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild, check and inspect the text and vector indexes",
	}
	cmd.AddCommand(indexRebuildCmd())
	cmd.AddCommand(indexCheckCmd())
	cmd.AddCommand(indexBackfillCmd())
	cmd.AddCommand(indexStatusCmd())
	return cmd
}

func indexRebuildCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Clear both indexes and re-index every record",
		Long: `Clear the text and vector indexes and re-index every record. With a remote
embedding provider this can take a while; --timeout bounds the whole run.
Records left unindexed by a timeout are picked up by the server's poller.`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			a, done := mustApp(ctx)
			defer done()

			rep, err := a.indexer.Rebuild(ctx, "cli")
			if jsonOut && rep != nil {
				printJSON(rep)
			}
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				return
			}
			fmt.Printf("%s rebuilt %d records in %s\n", okStyle.Render("✓"), rep.Records, rep.Duration.Round(time.Millisecond))
			fmt.Printf("  Text indexed:  %d (%s)\n", rep.TextIndexed, a.text.Name())
			fmt.Printf("  Vectors:       %d", rep.Vectors)
			if rep.VectorFailed > 0 {
				fmt.Print(warnStyle.Render(fmt.Sprintf(" (%d failed, retry with `memlens index backfill`)", rep.VectorFailed)))
			}
			fmt.Println()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort after this long (0 = no limit)")
	return cmd
}

func indexCheckCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Find index entries that point at deleted records",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			rep, err := a.indexer.Check(ctx, repair)
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(rep)
				return
			}
			fmt.Printf("%s %s: %d entries, %d orphans\n", statusMark(len(rep.TextOrphans) == 0),
				rep.TextBackend, rep.TextEntries, len(rep.TextOrphans))
			fmt.Printf("%s vectors: %d entries, %d orphans\n", statusMark(len(rep.VectorOrphans) == 0),
				rep.VectorEntries, len(rep.VectorOrphans))
			if rep.Pending > 0 {
				fmt.Println(warnStyle.Render(fmt.Sprintf("%d records waiting to be indexed", rep.Pending)))
			}
			switch {
			case rep.Repaired:
				fmt.Println(okStyle.Render("orphans removed"))
			case !rep.Consistent():
				fmt.Println(dimStyle.Render("run with --repair to remove orphans"))
			}
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "remove orphan entries")
	return cmd
}

func indexBackfillCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Retry embeddings that failed or never ran",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			a, done := mustApp(ctx)
			defer done()

			rep, err := a.indexer.Backfill(ctx)
			if errors.Is(err, store.ErrEmbeddingDisabled) {
				exitErr(fmt.Errorf("semantic search is disabled (embedding.provider is none)"))
			}
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(rep)
				return
			}
			fmt.Printf("%s attempted %d, embedded %d, failed %d\n",
				statusMark(rep.Failed == 0), rep.Attempted, rep.Embedded, rep.Failed)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort after this long (0 = no limit)")
	return cmd
}

func indexStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index coverage and the last maintenance reports",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			st, err := a.indexer.Status(ctx)
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(st)
				return
			}
			model := st.EmbeddingModel
			if model == "" {
				model = dimStyle.Render("disabled")
			}
			fmt.Println(appStyle.Render("Indexes"))
			fmt.Printf("  Text backend:  %s\n", st.TextBackend)
			fmt.Printf("  Embedding:     %s\n", model)
			fmt.Printf("  Records:       %d\n", st.Stats.TotalRecords)
			fmt.Printf("  Text indexed:  %d\n", st.Stats.TextIndexed)
			fmt.Printf("  Vectors:       %d (%d failed)\n", st.Stats.VectorEntries, st.Stats.VectorFailed)
			fmt.Printf("  %s Pending:     %d\n", statusMark(st.Pending == 0), st.Pending)
			// Rebuild and check reports live in the server process; see GET /v1/index/status.
		},
	}
}
