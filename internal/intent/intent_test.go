package intent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/internal/store/sqlite"
)

type fakeLLM struct {
	reply string
	err   error
	delay time.Duration
	// ignoreCtx makes the fake sleep through cancellation, like a stuck client.
	ignoreCtx bool
}

func (f *fakeLLM) Name() string  { return "fake" }
func (f *fakeLLM) Model() string { return "fake-chat" }

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return f.reply, f.err
}

func fixed(d time.Duration) func() time.Duration { return func() time.Duration { return d } }

func TestFallback(t *testing.T) {
	tests := []struct {
		in   string
		want FilterParams
	}{
		{"show me pdf files from this week", FilterParams{Keywords: []string{"pdf"}, DateRange: ThisWeek}},
		{"Find pdf last week rust ocr", FilterParams{Keywords: []string{"pdf", "rust"}, DateRange: LastWeek, HasOCR: boolPtr(true)}},
		{"what did I do yesterday in app:Chrome", FilterParams{AppName: "chrome", Keywords: []string{}, DateRange: Yesterday}},
		{`"quarterly report" draft today`, FilterParams{Keywords: []string{"quarterly report", "draft"}, DateRange: Today}},
		{"meeting notes THIS_MONTH", FilterParams{Keywords: []string{"meeting", "notes"}, DateRange: ThisMonth}},
		{"搜索 内容 rust", FilterParams{Keywords: []string{"搜索", "rust"}, HasOCR: boolPtr(true)}},
		{`rust "unclosed`, FilterParams{Keywords: []string{"rust", "unclosed"}}},
		{"what's on Bob's screen", FilterParams{Keywords: []string{"what's", "bob's", "screen"}}},
		{"Rust rust RUST", FilterParams{Keywords: []string{"rust"}}},
		{"", FilterParams{Keywords: []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Fallback(tt.in)
			if fmt.Sprint(got.Keywords) != fmt.Sprint(tt.want.Keywords) {
				t.Errorf("keywords = %q, want %q", got.Keywords, tt.want.Keywords)
			}
			if got.DateRange != tt.want.DateRange {
				t.Errorf("date_range = %q, want %q", got.DateRange, tt.want.DateRange)
			}
			if got.AppName != tt.want.AppName {
				t.Errorf("app_name = %q, want %q", got.AppName, tt.want.AppName)
			}
			if (got.HasOCR == nil) != (tt.want.HasOCR == nil) {
				t.Errorf("has_ocr = %v, want %v", got.HasOCR, tt.want.HasOCR)
			}
		})
	}
}

func TestDateRangeResolve(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	// Wednesday 2026-03-04 10:30 local.
	now := time.Date(2026, 3, 4, 10, 30, 0, 0, loc)
	day := func(m time.Month, d int) time.Time { return time.Date(2026, m, d, 0, 0, 0, 0, loc) }

	tests := []struct {
		dr       DateRange
		from, to time.Time
	}{
		{Today, day(3, 4), day(3, 5)},
		{Yesterday, day(3, 3), day(3, 4)},
		{ThisWeek, day(3, 2), day(3, 9)},
		{LastWeek, day(2, 23), day(3, 2)},
		{ThisMonth, day(3, 1), day(4, 1)},
	}
	for _, tt := range tests {
		t.Run(string(tt.dr), func(t *testing.T) {
			from, to, ok := tt.dr.Resolve(now.UTC(), loc)
			if !ok {
				t.Fatal("not resolved")
			}
			if !from.Equal(tt.from) || !to.Equal(tt.to) {
				t.Errorf("got [%s, %s), want [%s, %s)", from, to, tt.from, tt.to)
			}
			if !from.Before(to) {
				t.Error("from must precede to")
			}
		})
	}

	// Sunday still belongs to the week that started the previous Monday.
	sunday := time.Date(2026, 3, 8, 23, 0, 0, 0, loc)
	from, _, _ := ThisWeek.Resolve(sunday, loc)
	if !from.Equal(day(3, 2)) {
		t.Errorf("sunday this_week from = %s", from)
	}

	if _, _, ok := DateRange("next_year").Resolve(now, loc); ok {
		t.Error("unknown range resolved")
	}
}

func TestParseDateRange(t *testing.T) {
	for in, want := range map[string]DateRange{
		"this week": ThisWeek, "LAST_WEEK": LastWeek, "this-month": ThisMonth, " today ": Today,
	} {
		if got, ok := ParseDateRange(in); !ok || got != want {
			t.Errorf("ParseDateRange(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseDateRange("fortnight"); ok {
		t.Error("fortnight should not parse")
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  FilterParams
		err   bool
	}{
		{
			name:  "fenced",
			reply: "```json\n{\"app_name\":\"Chrome\",\"keywords\":[],\"date_range\":\"yesterday\",\"has_ocr\":null}\n```",
			want:  FilterParams{AppName: "Chrome", Keywords: []string{}, DateRange: Yesterday},
		},
		{
			name:  "plain",
			reply: `{"app_name":null,"keywords":["Rust","rust"],"date_range":"last_week","has_ocr":true}`,
			want:  FilterParams{Keywords: []string{"rust"}, DateRange: LastWeek, HasOCR: boolPtr(true)},
		},
		{
			name:  "prose and json5",
			reply: `Sure! {app_name: "Code", keywords: ["coding",], date_range: "someday"} hope that helps`,
			want:  FilterParams{AppName: "Code", Keywords: []string{"coding"}},
		},
		{name: "no object", reply: "I cannot help with that", err: true},
		{name: "broken", reply: `{"keywords": [}`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReply(tt.reply)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReply: %v", err)
			}
			if got.AppName != tt.want.AppName || got.DateRange != tt.want.DateRange ||
				fmt.Sprint(got.Keywords) != fmt.Sprint(tt.want.Keywords) ||
				(got.HasOCR == nil) != (tt.want.HasOCR == nil) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_UsesLLM(t *testing.T) {
	llm := &fakeLLM{reply: `{"app_name":"pdf","keywords":["rust"],"date_range":"last_week","has_ocr":true}`}
	res := NewTranslator(llm).Parse(context.Background(), "Find PDF files about rust from last week")
	if res.Source != SourceLLM {
		t.Fatalf("source = %s (%s)", res.Source, res.Reason)
	}
	if res.Params.AppName != "pdf" || res.Params.DateRange != LastWeek {
		t.Errorf("params = %+v", res.Params)
	}
}

func TestParse_FallbackCases(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{"provider error", &fakeLLM{err: errors.New("401 unauthorized")}},
		{"garbage reply", &fakeLLM{reply: "not json at all"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewTranslator(tt.llm).Parse(context.Background(), "show me pdf files from this week")
			if res.Source != SourceFallback || res.Reason == "" {
				t.Fatalf("result = %+v", res)
			}
			if fmt.Sprint(res.Params.Keywords) != "[pdf]" || res.Params.DateRange != ThisWeek {
				t.Errorf("params = %+v", res.Params)
			}
		})
	}

	res := NewTranslator(nil).Parse(context.Background(), "rust")
	if res.Source != SourceFallback || res.Reason != "llm disabled" {
		t.Errorf("nil provider: %+v", res)
	}
}

func TestParse_TimeoutFallsBackPromptly(t *testing.T) {
	const timeout = 100 * time.Millisecond
	const epsilon = 250 * time.Millisecond

	for _, ignore := range []bool{false, true} {
		t.Run(fmt.Sprintf("ignoreCtx=%v", ignore), func(t *testing.T) {
			llm := &fakeLLM{reply: `{"keywords":["late"]}`, delay: 2 * time.Second, ignoreCtx: ignore}
			tr := NewTranslator(llm, WithTimeout(fixed(timeout)))

			start := time.Now()
			res := tr.Parse(context.Background(), "show me pdf files from this week")
			elapsed := time.Since(start)

			if elapsed > timeout+epsilon {
				t.Errorf("Parse took %v, want <= %v", elapsed, timeout+epsilon)
			}
			if res.Source != SourceFallback {
				t.Fatalf("source = %s", res.Source)
			}
			if res.Params.Keywords == nil || fmt.Sprint(res.Params.Keywords) != "[pdf]" {
				t.Errorf("params = %+v", res.Params)
			}
		})
	}
}

func TestFilterParamsQuery(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, loc)
	p := FilterParams{AppName: "Chrome", Keywords: []string{"quarterly", "report"}, DateRange: ThisWeek, HasOCR: boolPtr(true)}
	q := p.Query(now, loc)
	if q.Keyword != "quarterly report" || q.Filter.AppName != "Chrome" || q.Filter.HasText == nil || !*q.Filter.HasText {
		t.Errorf("query = %+v", q)
	}
	if q.Filter.TimeRange == nil || !q.Filter.TimeRange.From.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, loc)) {
		t.Errorf("time range = %+v", q.Filter.TimeRange)
	}
	if q := (FilterParams{}).Query(now, loc); q.Filter.TimeRange != nil || q.Keyword != "" {
		t.Errorf("empty params query = %+v", q)
	}
}

func TestAsk_PDFThisWeek(t *testing.T) {
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ask.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := store.WithLocation(context.Background(), time.UTC)

	text := "quarterly report pdf"
	add := func(id int64, ts time.Time) {
		rec := store.ActivityRecord{ID: id, Timestamp: ts, AppName: "Chrome", Text: &text}
		if _, err := db.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := db.TextIndex().Reindex(ctx, rec); err != nil {
			t.Fatalf("Reindex: %v", err)
		}
	}
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	add(42, now.Add(-24*time.Hour))  // Tuesday, this week
	add(7, now.Add(-9*24*time.Hour)) // previous week
	clock := func() time.Time { return now }

	engine := search.New(db, db.TextIndex(), db.VectorIndex(), search.WithClock(clock))
	tr := NewTranslator(nil, WithEngine(engine), WithClock(clock))

	res, err := tr.Ask(ctx, "show me pdf files from this week", 10)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Intent.Source != SourceFallback || res.Query.Keyword != "pdf" {
		t.Errorf("intent = %+v query = %+v", res.Intent, res.Query)
	}
	if res.Page.Total != 1 || res.Page.Items[0].Record.ID != 42 {
		t.Errorf("page = %+v", res.Page)
	}
}
