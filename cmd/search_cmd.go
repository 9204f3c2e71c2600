package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/intent"
	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

func searchCmd() *cobra.Command {
	var (
		semantic, app, dateRange, from, to, order, tz string
		hasText                                         bool
		limit, offset                                   int
	)
	cmd := &cobra.Command{
		Use:   "search [keyword...]",
		Short: "Search activity by keyword, meaning and metadata",
		Long: `Search the activity log. Positional words form the keyword query; --intent
adds a semantic query. Without either, matching records are listed newest first.

Examples:
  memlens search invoice
  memlens search --intent "reading about rust lifetimes" --range this_week
  memlens search --app chrome --from 2026-10-01 --to 2026-10-08`,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			loc, err := loadLocation(tz)
			if err != nil {
				exitErr(err)
			}
			q := search.Query{
				Keyword: strings.Join(args, " "),
				Intent:  semantic,
				Filter:  store.Filter{AppName: app},
				Limit:   limit,
				Offset:  offset,
				OrderBy: search.Order(order),
			}
			if cmd.Flags().Changed("has-text") {
				q.Filter.HasText = &hasText
			}
			tr, err := cliTimeRange(dateRange, from, to, time.Now(), loc)
			if err != nil {
				exitErr(err)
			}
			q.Filter.TimeRange = tr

			page, err := a.engine.Search(store.WithLocation(ctx, loc), q)
			if err != nil {
				exitErr(err)
			}
			printPage(page)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&semantic, "intent", "i", "", "semantic query text")
	f.StringVarP(&app, "app", "a", "", "application name filter")
	f.StringVarP(&dateRange, "range", "r", "", "today, yesterday, this_week, last_week or this_month")
	f.StringVar(&from, "from", "", "lower time bound (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&to, "to", "", "upper time bound, exclusive (RFC 3339 or YYYY-MM-DD)")
	f.BoolVar(&hasText, "has-text", false, "only records with (true) or without (false) OCR text")
	f.IntVarP(&limit, "limit", "n", 0, "page size (default search.default_limit)")
	f.IntVar(&offset, "offset", 0, "items to skip")
	f.StringVar(&order, "order", "", "time or rank (default: rank when a query is given)")
	f.StringVar(&tz, "tz", "", "IANA time zone for --range and dates (default local)")
	return cmd
}

func intentCmd() *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:   "intent <question>",
		Short: "Parse a natural-language question into search filters",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			loc, err := loadLocation(tz)
			if err != nil {
				exitErr(err)
			}
			res := a.translator.Parse(ctx, strings.Join(args, " "))
			q := res.Params.Query(time.Now(), loc)
			if jsonOut {
				printJSON(map[string]any{"result": res, "query": q})
				return
			}
			printIntent(res, q, loc)
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone for relative dates")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		tz    string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a natural-language question with a search",
		Long: `Parse the question into filters (LLM when configured, local parser
otherwise) and run the resulting search.

Example:
  memlens ask "what pdf files did I open this week"`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			a, done := mustApp(ctx)
			defer done()

			loc, err := loadLocation(tz)
			if err != nil {
				exitErr(err)
			}
			res, err := a.translator.Ask(store.WithLocation(ctx, loc), strings.Join(args, " "), limit)
			if err != nil {
				exitErr(err)
			}
			if jsonOut {
				printJSON(res)
				return
			}
			printIntent(res.Intent, res.Query, loc)
			fmt.Println()
			printPage(res.Page)
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone for relative dates")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "page size")
	return cmd
}

func printIntent(res intent.Result, q search.Query, loc *time.Location) {
	src := string(res.Source)
	if res.Reason != "" {
		src += dimStyle.Render(" (" + res.Reason + ")")
	}
	fmt.Printf("%s %s\n", appStyle.Render("Parsed by"), src)
	if len(res.Params.Keywords) > 0 {
		fmt.Printf("  Keywords:   %s\n", strings.Join(res.Params.Keywords, ", "))
	}
	if res.Params.AppName != "" {
		fmt.Printf("  App:        %s\n", res.Params.AppName)
	}
	if tr := q.Filter.TimeRange; tr != nil {
		fmt.Printf("  Date range: %s [%s, %s)\n", res.Params.DateRange,
			tr.From.In(loc).Format(time.DateTime), tr.To.In(loc).Format(time.DateTime))
	}
	if res.Params.HasOCR != nil {
		fmt.Printf("  Has text:   %t\n", *res.Params.HasOCR)
	}
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q", tz)
	}
	return loc, nil
}

// cliTimeRange builds the time filter from --range or --from/--to.
func cliTimeRange(dateRange, from, to string, now time.Time, loc *time.Location) (*store.TimeRange, error) {
	if dateRange != "" {
		if from != "" || to != "" {
			return nil, store.Invalid("range", "cannot be combined with --from/--to")
		}
		dr, ok := intent.ParseDateRange(dateRange)
		if !ok {
			return nil, store.Invalid("range", "unknown range %q", dateRange)
		}
		f, t, _ := dr.Resolve(now, loc)
		return &store.TimeRange{From: f, To: t}, nil
	}
	if from == "" && to == "" {
		return nil, nil
	}
	tr := &store.TimeRange{}
	var err error
	if from != "" {
		if tr.From, err = parseCLITime(from, loc); err != nil {
			return nil, store.Invalid("from", "%v", err)
		}
	}
	if to != "" {
		if tr.To, err = parseCLITime(to, loc); err != nil {
			return nil, store.Invalid("to", "%v", err)
		}
	}
	return tr, nil
}

func parseCLITime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{time.DateTime, "2006-01-02 15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD[ HH:MM[:SS]], got %q", s)
}

// withTimeout bounds one-shot commands that hit external providers.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
