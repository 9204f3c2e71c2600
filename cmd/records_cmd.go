package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"record"},
		Short:   "Add, inspect and edit activity records",
	}
	cmd.AddCommand(recordsAddCmd())
	cmd.AddCommand(recordsSetTextCmd())
	cmd.AddCommand(recordsGetCmd())
	cmd.AddCommand(recordsDeleteCmd())
	cmd.AddCommand(recordsByFingerprintCmd())
	return cmd
}

func recordsAddCmd() *cobra.Command {
	var (
		app, title, text, fp, at string
		textStdin                bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Insert a record and index it",
		Long: `Insert one activity record, the way a capture pipeline would, and index
it immediately so it is searchable right away.

Example:
  memlens records add --app Preview --title report.pdf --text "quarterly report"
  ocr-tool shot.png | memlens records add --app Preview --text-stdin`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			rec := store.ActivityRecord{AppName: app, WindowTitle: title, Timestamp: time.Now()}
			if at != "" {
				ts, err := parseCLITime(at, time.Local)
				if err != nil {
					exitErr(err)
				}
				rec.Timestamp = ts
			}
			body, err := textArg(text, textStdin, cmd.InOrStdin())
			if err != nil {
				exitErr(err)
			}
			rec.Text = body
			if fp != "" {
				rec.Fingerprint = &fp
			}

			id, err := a.db.Insert(ctx, rec)
			if err != nil {
				exitErr(err)
			}
			ev, err := a.indexer.IndexRecord(ctx, id)
			if err != nil {
				exitErr(fmt.Errorf("record %d stored but not indexed: %w", id, err))
			}
			if jsonOut {
				printJSON(map[string]any{"id": id, "index": ev})
				return
			}
			fmt.Printf("%s record %d (vector: %s)\n", okStyle.Render("✓"), id, ev.VectorStatus)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&app, "app", "a", "", "application name (required)")
	f.StringVarP(&title, "title", "t", "", "window title")
	f.StringVar(&text, "text", "", "OCR text")
	f.BoolVar(&textStdin, "text-stdin", false, "read OCR text from stdin")
	f.StringVar(&fp, "fingerprint", "", "screenshot fingerprint")
	f.StringVar(&at, "at", "", "capture time (default now)")
	cmd.MarkFlagRequired("app")
	return cmd
}

func recordsSetTextCmd() *cobra.Command {
	var (
		textStdin, clearText bool
	)
	cmd := &cobra.Command{
		Use:   "set-text <id> [text]",
		Short: "Set or clear a record's OCR text and reindex it",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			id := mustID(args[0])
			var body *string
			if !clearText {
				given := ""
				if len(args) == 2 {
					given = args[1]
				}
				var err error
				if body, err = textArg(given, textStdin, cmd.InOrStdin()); err != nil {
					exitErr(err)
				}
				if body == nil {
					exitErr(fmt.Errorf("give text, --text-stdin or --clear"))
				}
			}
			if err := a.db.UpdateText(ctx, id, body); err != nil {
				exitErr(err)
			}
			ev, err := a.indexer.IndexRecord(ctx, id)
			if err != nil {
				exitErr(err)
			}
			fmt.Printf("%s record %d rev %d (vector: %s)\n", okStyle.Render("✓"), id, ev.Rev, ev.VectorStatus)
		},
	}
	cmd.Flags().BoolVar(&textStdin, "text-stdin", false, "read text from stdin")
	cmd.Flags().BoolVar(&clearText, "clear", false, "remove the text")
	return cmd
}

func recordsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			rec, err := a.db.Get(ctx, mustID(args[0]))
			if err != nil {
				exitErr(err)
			}
			printRecord(rec)
		},
	}
}

func recordsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record and its index entries",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			id := mustID(args[0])
			if err := a.db.Delete(ctx, id); err != nil {
				exitErr(err)
			}
			// The schema cascade covers fts5 and vectors; bleve needs an explicit remove.
			if _, err := a.indexer.IndexRecord(ctx, id); err != nil {
				exitErr(err)
			}
			fmt.Printf("%s deleted record %d\n", okStyle.Render("✓"), id)
		},
	}
}

func recordsByFingerprintCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "by-fingerprint <fingerprint>",
		Short: "List records captured with a screenshot fingerprint",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			recs, err := a.db.FindByFingerprint(ctx, args[0], limit)
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(recs)
				return
			}
			if len(recs) == 0 {
				fmt.Println("No records with that fingerprint.")
				return
			}
			for _, r := range recs {
				printRecordLine(r, 0, false)
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "max records")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record and index statistics",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			st, err := a.db.Stats(ctx)
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(st)
				return
			}
			fmt.Println(appStyle.Render("Activity log"))
			fmt.Printf("  Records:        %d (%d with text)\n", st.TotalRecords, st.RecordsWithText)
			fmt.Printf("  Text indexed:   %d (%s)\n", st.TextIndexed, a.text.Name())
			fmt.Printf("  Vectors:        %d (%d failed)\n", st.VectorEntries, st.VectorFailed)
			if !st.Oldest.IsZero() {
				fmt.Printf("  Span:           %s → %s (%.1f h)\n",
					st.Oldest.Local().Format(time.DateTime), st.Newest.Local().Format(time.DateTime), st.SpanHours)
			}
			if st.TopApp != "" {
				fmt.Printf("  Top app:        %s (%d)\n", st.TopApp, st.TopAppCount)
			}
		},
	}
}

func retentionCmd() *cobra.Command {
	var (
		days   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Delete records older than N days",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			if days == 0 {
				days = a.cfg.MaintenanceSettings().RetentionDays
			}
			if days <= 0 {
				exitErr(fmt.Errorf("--days is required (no maintenance.retention_days configured)"))
			}
			st, err := a.db.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -days), dryRun)
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(st)
				return
			}
			verb := "Deleted"
			if dryRun {
				verb = "Would delete"
			}
			fmt.Printf("%s %d records before %s (%d text entries, %d vectors)\n",
				verb, st.Records, st.Cutoff.Local().Format(time.DateTime), st.TextEntries, st.VectorEntries)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "age in days (default maintenance.retention_days)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only count what would be deleted")
	return cmd
}

func mustID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		exitErr(fmt.Errorf("invalid record id %q", s))
	}
	return id
}

// textArg returns the text from a flag or stdin; nil when neither is given.
func textArg(flag string, fromStdin bool, stdin io.Reader) (*string, error) {
	if fromStdin {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		s := strings.TrimRight(string(data), "\n")
		return &s, nil
	}
	if flag == "" {
		return nil, nil
	}
	return &flag, nil
}
