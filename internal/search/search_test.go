package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/config"
	"github.com/nextlevelbuilder/memlens/internal/embedding"
	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/internal/store/bleveidx"
	"github.com/nextlevelbuilder/memlens/internal/store/sqlite"
)

var testNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // a Wednesday

type env struct {
	t       *testing.T
	db      *sqlite.Store
	text    store.TextIndex
	vectors *sqlite.VectorIndex
	emb     *embedding.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &env{
		t:       t,
		db:      db,
		text:    db.TextIndex(),
		vectors: db.VectorIndex(),
		emb:     embedding.NewService(embedding.NewHashProvider(256), nil, embedding.Options{}),
	}
}

// newBleveEnv is newEnv with the in-memory bleve text backend.
func newBleveEnv(t *testing.T) *env {
	t.Helper()
	e := newEnv(t)
	idx, err := bleveidx.Open("")
	if err != nil {
		t.Fatalf("bleveidx.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	e.text = idx
	return e
}

// add inserts a record and indexes it synchronously.
func (e *env) add(rec store.ActivityRecord) int64 {
	e.t.Helper()
	ctx := context.Background()
	id, err := e.db.Insert(ctx, rec)
	if err != nil {
		e.t.Fatalf("Insert: %v", err)
	}
	rec.ID = id
	if err := e.text.Reindex(ctx, rec); err != nil {
		e.t.Fatalf("Reindex: %v", err)
	}
	if rec.HasText() {
		vecs, err := e.emb.Embed(ctx, []string{*rec.Text})
		if err != nil {
			e.t.Fatalf("Embed: %v", err)
		}
		if err := e.vectors.Upsert(ctx, id, e.emb.Model(), vecs[0]); err != nil {
			e.t.Fatalf("Upsert: %v", err)
		}
	}
	return id
}

func (e *env) keywordEngine(opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(e.db, e.text, e.vectors, opts...)
}

func (e *env) hybridEngine(opts ...Option) *Engine {
	return e.keywordEngine(append([]Option{WithEmbedder(e.emb)}, opts...)...)
}

func strp(s string) *string { return &s }

func rec(ts time.Time, app, text string) store.ActivityRecord {
	r := store.ActivityRecord{Timestamp: ts, AppName: app, WindowTitle: app + " window"}
	if text != "" {
		r.Text = strp(text)
	}
	return r
}

func ids(p *Page) []int64 {
	out := make([]int64, len(p.Items))
	for i, it := range p.Items {
		out[i] = it.Record.ID
	}
	return out
}

func TestDecay(t *testing.T) {
	if got := Decay(0, 14); got != 1 {
		t.Fatalf("Decay(0) = %v, want 1", got)
	}
	prev := Decay(0, 14)
	for _, age := range []time.Duration{time.Minute, time.Hour, 24 * time.Hour, 14 * 24 * time.Hour, 365 * 24 * time.Hour} {
		d := Decay(age, 14)
		if d >= prev {
			t.Errorf("Decay(%v) = %v, not below %v", age, d, prev)
		}
		prev = d
	}
	if got := Decay(14*24*time.Hour, 14); got != 0.5 {
		t.Errorf("Decay(halflife) = %v, want 0.5", got)
	}
	if got := Decay(-time.Hour, 14); got != 1 {
		t.Errorf("future timestamps should clamp to age 0, got %v", got)
	}
}

func TestFuseMonotonicInVector(t *testing.T) {
	s := config.Default().Search
	w := weightsFor(s, true, true)
	for _, text := range []float64{0, 0.3, 1} {
		prev := -1.0
		for v := 0.0; v <= 1.0; v += 0.1 {
			got := Fuse(w, text, v)
			if got < prev {
				t.Fatalf("Fuse(text=%v, vector=%v) = %v decreased from %v", text, v, got, prev)
			}
			prev = got
		}
	}
}

func TestWeightsFor(t *testing.T) {
	s := config.Default().Search
	tests := []struct {
		name         string
		text, vector bool
		want         Weights
	}{
		{"both", true, true, Weights{Text: 0.4, Vector: 0.6}},
		{"text only", true, false, Weights{Text: 1}},
		{"vector only", false, true, Weights{Vector: 1}},
		{"none", false, false, Weights{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := weightsFor(s, tt.text, tt.vector); got != tt.want {
				t.Errorf("weightsFor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizeKeyword(t *testing.T) {
	tests := map[string]string{
		"  Quarterly  REPORT ": "quarterly report",
		`"pdf" OR x*`:          "pdf or x",
		"***":                  "",
		"ＰＤＦ":                  "pdf",
	}
	for in, want := range tests {
		if got := NormalizeKeyword(in); got != want {
			t.Errorf("NormalizeKeyword(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearch_ChronologicalOrdering(t *testing.T) {
	e := newEnv(t)
	for i, off := range []int{5, 1, 9, 3, 7} {
		e.add(rec(testNow.Add(-time.Duration(off)*time.Hour), "Code", fmt.Sprintf("note %d", i)))
	}
	page, err := e.keywordEngine().Search(context.Background(), Query{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 5 || page.OrderBy != OrderTime {
		t.Fatalf("page = total %d items %d order %s", page.Total, len(page.Items), page.OrderBy)
	}
	for i := 1; i < len(page.Items); i++ {
		if !page.Items[i-1].Record.Timestamp.After(page.Items[i].Record.Timestamp) {
			t.Errorf("items %d and %d not strictly descending by time", i-1, i)
		}
	}
}

func TestSearch_PunctuationKeywordFallsBackToTime(t *testing.T) {
	e := newEnv(t)
	e.add(rec(testNow.Add(-time.Hour), "Code", "alpha"))
	e.add(rec(testNow, "Code", "beta"))
	page, err := e.keywordEngine().Search(context.Background(), Query{Keyword: " *** "})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.OrderBy != OrderTime || page.Total != 2 {
		t.Errorf("page = %+v", page)
	}
}

func TestSearch_TotalMatchesRankedSetAcrossPages(t *testing.T) {
	e := newEnv(t)
	for i := range 7 {
		e.add(rec(testNow.Add(-time.Duration(i)*time.Hour), "Code", fmt.Sprintf("deploy log entry %d", i)))
	}
	e.add(rec(testNow, "Code", "unrelated lunch plans"))

	eng := e.keywordEngine()
	seen := map[int64]bool{}
	for offset := 0; offset < 10; offset += 3 {
		page, err := eng.Search(context.Background(), Query{Keyword: "deploy", Limit: 3, Offset: offset})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if page.Total != 7 {
			t.Fatalf("offset %d: total = %d, want 7", offset, page.Total)
		}
		for _, id := range ids(page) {
			if seen[id] {
				t.Errorf("id %d returned on two pages", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 7 {
		t.Errorf("paged through %d items, total said 7", len(seen))
	}
}

func TestSearch_KeywordOnlyTieBreaksByTime(t *testing.T) {
	e := newEnv(t)
	older := e.add(rec(testNow.Add(-48*time.Hour), "Code", "invoice draft"))
	newer := e.add(rec(testNow.Add(-1*time.Hour), "Code", "invoice draft"))
	strong := e.add(rec(testNow.Add(-72*time.Hour), "Code", "invoice invoice invoice"))

	page, err := e.keywordEngine().Search(context.Background(), Query{Keyword: "invoice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := ids(page)
	want := []int64{strong, newer, older}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := 1; i < len(page.Items); i++ {
		if page.Items[i].Score > page.Items[i-1].Score {
			t.Errorf("scores not descending: %v", page.Items)
		}
	}
	if page.Items[0].Source != SourceText {
		t.Errorf("source = %s", page.Items[0].Source)
	}
}

func TestSearch_AppFilterNeverIncreasesTotal(t *testing.T) {
	e := newEnv(t)
	e.add(rec(testNow, "Chrome", "budget spreadsheet"))
	e.add(rec(testNow, "chrome.exe", "budget review"))
	e.add(rec(testNow, "Slack", "budget thread"))

	eng := e.hybridEngine()
	for _, q := range []Query{{}, {Keyword: "budget"}, {Intent: "budget planning"}} {
		all, err := eng.Search(context.Background(), q)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		q.Filter.AppName = "Chrome"
		filtered, err := eng.Search(context.Background(), q)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if filtered.Total > all.Total {
			t.Errorf("query %+v: filtered total %d > unfiltered %d", q, filtered.Total, all.Total)
		}
		for _, it := range filtered.Items {
			if it.Record.AppName == "Slack" {
				t.Errorf("app filter leaked %+v", it.Record)
			}
		}
	}
}

func TestSearch_HybridRanksAndDecays(t *testing.T) {
	e := newEnv(t)
	old := e.add(rec(testNow.Add(-60*24*time.Hour), "Code", "kubernetes deployment rollout"))
	fresh := e.add(rec(testNow.Add(-time.Hour), "Code", "kubernetes deployment rollout"))
	e.add(rec(testNow, "Music", "lofi playlist"))

	page, err := e.hybridEngine().Search(context.Background(), Query{Keyword: "kubernetes", Intent: "kubernetes deployment"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(page.Degraded) != 0 {
		t.Errorf("degraded = %v", page.Degraded)
	}
	pos := map[int64]int{}
	for i, it := range page.Items {
		pos[it.Record.ID] = i
	}
	fi, okF := pos[fresh]
	oi, okO := pos[old]
	if !okF || !okO || fi != 0 || oi <= fi {
		t.Fatalf("order = %v, want fresh %d first and before old %d", ids(page), fresh, old)
	}
	if page.Items[fi].Source != SourceHybrid {
		t.Errorf("source = %s, want hybrid", page.Items[fi].Source)
	}
	if page.Items[fi].Score <= page.Items[oi].Score {
		t.Errorf("decay should favor the fresh record: %v vs %v", page.Items[fi].Score, page.Items[oi].Score)
	}
}

func TestSearch_IntentOnlyUsesVectors(t *testing.T) {
	e := newEnv(t)
	match := e.add(rec(testNow.Add(-time.Hour), "Code", "golang channel select statement"))
	e.add(rec(testNow, "Mail", "dinner reservation friday"))

	page, err := e.hybridEngine().Search(context.Background(), Query{Intent: "golang channel"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Total < 1 || page.Items[0].Record.ID != match || page.Items[0].Source != SourceVector {
		t.Fatalf("page = %+v", page)
	}
}

type failingEmbedder struct{ calls atomic.Int32 }

func (f *failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	f.calls.Add(1)
	return nil, store.ExternalCall("embed", errors.New("connection refused"))
}

type hangingEmbedder struct{}

func (hangingEmbedder) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, store.ExternalCall("embed", ctx.Err())
}

func TestSearch_EmbeddingFailureDegradesToText(t *testing.T) {
	e := newEnv(t)
	id := e.add(rec(testNow, "Code", "release checklist"))

	fe := &failingEmbedder{}
	page, err := e.keywordEngine(WithEmbedder(fe)).Search(context.Background(), Query{Keyword: "release"})
	if err != nil {
		t.Fatalf("Search must not fail on embedding errors: %v", err)
	}
	if fe.calls.Load() != 1 {
		t.Errorf("embedder calls = %d", fe.calls.Load())
	}
	if page.Total != 1 || page.Items[0].Record.ID != id {
		t.Fatalf("page = %+v", page)
	}
	if fmt.Sprint(page.Degraded) != fmt.Sprint([]string{DegradedEmbedding}) {
		t.Errorf("degraded = %v", page.Degraded)
	}
	if page.Items[0].Score <= 0 {
		t.Errorf("text-only score = %v", page.Items[0].Score)
	}
}

func TestSearch_HungEmbedderIsTimeBounded(t *testing.T) {
	e := newEnv(t)
	e.add(rec(testNow, "Code", "release checklist"))

	settings := config.Default().Search
	settings.EmbedTimeoutMs = 50
	eng := e.keywordEngine(WithEmbedder(hangingEmbedder{}), WithSettings(func() config.SearchConfig { return settings }))

	start := time.Now()
	page, err := eng.Search(context.Background(), Query{Keyword: "release"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("search took %v with a 50ms embed budget", elapsed)
	}
	if page.Total != 1 {
		t.Errorf("total = %d", page.Total)
	}
}

func TestSearch_NoSignalFallsBackToTime(t *testing.T) {
	e := newEnv(t)
	e.add(rec(testNow.Add(-time.Hour), "Code", "a"))
	e.add(rec(testNow, "Code", "b"))

	// Intent without any embedder: nothing can rank it.
	page, err := e.keywordEngine().Search(context.Background(), Query{Intent: "what was I doing"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Total != 2 || page.OrderBy != OrderTime {
		t.Fatalf("page = %+v", page)
	}
	if fmt.Sprint(page.Degraded) != fmt.Sprint([]string{DegradedNoSignal}) {
		t.Errorf("degraded = %v", page.Degraded)
	}
	if !page.Items[0].Record.Timestamp.After(page.Items[1].Record.Timestamp) {
		t.Error("fallback not in time order")
	}
}

type orphanTextIndex struct {
	store.TextIndex
	orphan int64
}

func (o orphanTextIndex) Search(ctx context.Context, term string, candidates []int64, limit int) ([]store.ScoredID, error) {
	hits, err := o.TextIndex.Search(ctx, term, candidates, limit)
	return append(hits, store.ScoredID{ID: o.orphan, Score: 99}), err
}

func TestSearch_OrphanHitTriggersConsistencyHandler(t *testing.T) {
	e := newEnv(t)
	id := e.add(rec(testNow, "Code", "orphan check"))

	var got *store.ConsistencyError
	eng := New(e.db, orphanTextIndex{TextIndex: e.text, orphan: 9999}, e.vectors,
		WithClock(func() time.Time { return testNow }),
		WithConsistencyHandler(func(_ context.Context, err *store.ConsistencyError) { got = err }))

	page, err := eng.Search(context.Background(), Query{Keyword: "orphan"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got == nil || got.Index != "text" || fmt.Sprint(got.IDs) != "[9999]" {
		t.Fatalf("consistency handler got %+v", got)
	}
	if !errors.Is(got, store.ErrConsistency) {
		t.Error("ConsistencyError should match ErrConsistency")
	}
	if page.Total != 1 || page.Items[0].Record.ID != id {
		t.Errorf("orphan must be dropped from results: %+v", page)
	}
}

func TestSearch_Validation(t *testing.T) {
	e := newEnv(t)
	eng := e.keywordEngine()
	tests := []struct {
		name string
		q    Query
	}{
		{"negative offset", Query{Offset: -1}},
		{"negative limit", Query{Limit: -5}},
		{"limit above max", Query{Limit: 501}},
		{"unknown order", Query{OrderBy: "random"}},
		{"inverted range", Query{Filter: store.Filter{TimeRange: &store.TimeRange{From: testNow, To: testNow.Add(-time.Hour)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Search(context.Background(), tt.q)
			if !store.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestSearch_ReindexRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.add(rec(testNow, "Notes", "meeting notes about the roadmap"))

	eng := e.hybridEngine()
	page, err := eng.Search(ctx, Query{Keyword: "roadmap"})
	if err != nil || page.Total != 1 || page.Items[0].Record.ID != id {
		t.Fatalf("round trip: %+v, %v", page, err)
	}

	updated := store.ActivityRecord{ID: id, Timestamp: testNow, AppName: "Notes", Text: strp("grocery list eggs milk")}
	if err := e.db.UpdateText(ctx, id, updated.Text); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}
	if err := e.text.Reindex(ctx, updated); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	before, _ := e.vectors.Get(ctx, id)
	vecs, _ := e.emb.Embed(ctx, []string{*updated.Text})
	if err := e.vectors.Upsert(ctx, id, e.emb.Model(), vecs[0]); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	after, _ := e.vectors.Get(ctx, id)
	if fmt.Sprint(before) == fmt.Sprint(after) {
		t.Error("vector was not replaced")
	}

	page, err = e.keywordEngine().Search(ctx, Query{Keyword: "roadmap"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("old text still matches: %+v", page.Items)
	}
	page, _ = e.keywordEngine().Search(ctx, Query{Keyword: "eggs"})
	if page.Total != 1 {
		t.Errorf("new text does not match")
	}
}

func TestSearch_QuarterlyReportExample(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ts := testNow.Add(-2 * time.Hour)
	r := rec(ts, "Chrome", "quarterly report pdf")
	r.ID = 42
	if got := e.add(r); got != 42 {
		t.Fatalf("inserted id = %d, want 42", got)
	}
	e.add(rec(testNow.Add(-time.Hour), "Slack", "standup thread"))

	eng := e.hybridEngine()
	page, err := eng.Search(ctx, Query{Keyword: "quarterly"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Total < 1 || page.Items[0].Record.ID != 42 || page.Items[0].Score <= 0 {
		t.Fatalf("keyword search = %+v", page)
	}

	page, err = eng.Search(ctx, Query{Filter: store.Filter{AppName: "Slack"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, id := range ids(page) {
		if id == 42 {
			t.Fatal("app filter Slack returned id 42")
		}
	}

	// Monday 2026-03-02 00:00 through the following Monday.
	// Range checks use the keyword signal only so the result set is exact.
	eng = e.keywordEngine()
	week := &store.TimeRange{From: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), To: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}
	page, err = eng.Search(ctx, Query{Keyword: "pdf", Filter: store.Filter{TimeRange: week}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if page.Total != 1 || page.Items[0].Record.ID != 42 {
		t.Errorf("this week = %v", ids(page))
	}

	lastWeek := &store.TimeRange{From: week.From.AddDate(0, 0, -7), To: week.From}
	page, _ = eng.Search(ctx, Query{Keyword: "pdf", Filter: store.Filter{TimeRange: lastWeek}})
	if page.Total != 0 {
		t.Errorf("last week should exclude id 42, got %v", ids(page))
	}
}

func TestSearch_NonASCIIKeywordRoundTrip(t *testing.T) {
	backends := []struct {
		name string
		env  func(*testing.T) *env
	}{
		{"fts5", newEnv},
		{"bleve", newBleveEnv},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			e := b.env(t)
			street := e.add(rec(testNow.Add(-time.Hour), "Mail", "Lieferung an Hauptstraße 5"))
			finance := e.add(rec(testNow.Add(-2*time.Hour), "Chrome", "ﬁnance dashboard"))
			e.add(rec(testNow.Add(-3*time.Hour), "Chrome", "weekly standup"))

			eng := e.keywordEngine()
			for _, tt := range []struct {
				keyword string
				want    int64
			}{
				{"Hauptstraße", street},
				{"HAUPTSTRASSE", street},
				{"ﬁnance", finance},
				{"Finance", finance},
			} {
				page, err := eng.Search(context.Background(), Query{Keyword: tt.keyword})
				if err != nil {
					t.Fatalf("Search(%q): %v", tt.keyword, err)
				}
				if page.Total != 1 || len(page.Items) != 1 || page.Items[0].Record.ID != tt.want {
					t.Errorf("Search(%q) = %v (total %d), want [%d]", tt.keyword, ids(page), page.Total, tt.want)
				}
			}
		})
	}
}

func TestSearch_BleveTextScoreIgnoresFilter(t *testing.T) {
	e := newBleveEnv(t)
	strong := e.add(rec(testNow.Add(-time.Hour), "Chrome", "budget budget budget review"))
	weak := e.add(rec(testNow.Add(-2*time.Hour), "chrome.exe", "quarterly budget planning spreadsheet with many other words"))
	e.add(rec(testNow.Add(-3*time.Hour), "Slack", "standup notes"))

	eng := e.keywordEngine()
	scores := func(f store.Filter) map[int64]float64 {
		t.Helper()
		page, err := eng.Search(context.Background(), Query{Keyword: "budget", Filter: f})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		out := make(map[int64]float64, len(page.Items))
		for _, it := range page.Items {
			out[it.Record.ID] = it.TextScore
		}
		return out
	}

	all := scores(store.Filter{})
	// Matches both budget records, so the ranked set is unchanged.
	filtered := scores(store.Filter{AppName: "Chrome"})
	if len(all) != 2 || len(filtered) != 2 {
		t.Fatalf("hits: unfiltered %v, filtered %v", all, filtered)
	}
	if all[strong] != 1 || all[weak] >= 1 {
		t.Fatalf("unfiltered text scores = %v", all)
	}
	for _, id := range []int64{strong, weak} {
		if math.Abs(all[id]-filtered[id]) > 1e-9 {
			t.Errorf("id %d text score %v unfiltered, %v filtered", id, all[id], filtered[id])
		}
	}
}
