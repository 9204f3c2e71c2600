package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func mustInsert(t *testing.T, s *Store, rec store.ActivityRecord) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), rec)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func TestStore_CRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	id := mustInsert(t, s, store.ActivityRecord{Timestamp: ts, AppName: "Chrome", WindowTitle: "Inbox", Fingerprint: strp("abc123")})

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.AppName != "Chrome" || rec.Text != nil || !rec.Timestamp.Equal(ts) {
		t.Errorf("Get = %+v", rec)
	}
	rev := rec.Rev

	if err := s.UpdateText(ctx, id, strp("quarterly report pdf")); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}
	rec, _ = s.Get(ctx, id)
	if rec.TextValue() != "quarterly report pdf" {
		t.Errorf("text = %q", rec.TextValue())
	}
	if rec.Rev != rev+1 {
		t.Errorf("rev = %d, want %d", rec.Rev, rev+1)
	}

	// Same text again must not bump rev.
	if err := s.UpdateText(ctx, id, strp("quarterly report pdf")); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}
	if again, _ := s.Get(ctx, id); again.Rev != rev+1 {
		t.Errorf("rev after no-op update = %d, want %d", again.Rev, rev+1)
	}

	if err := s.UpdateText(ctx, 9999, strp("x")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateText(missing) err = %v, want ErrNotFound", err)
	}

	byFP, err := s.FindByFingerprint(ctx, "abc123", 5)
	if err != nil || len(byFP) != 1 || byFP[0].ID != id {
		t.Errorf("FindByFingerprint = %v, %v", byFP, err)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestStore_InsertRejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Insert(context.Background(), store.ActivityRecord{AppName: "Chrome"})
	if !store.IsValidation(err) {
		t.Errorf("Insert without timestamp err = %v, want validation error", err)
	}
}

func TestStore_FilterSharedByCountListCandidates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mustInsert(t, s, store.ActivityRecord{Timestamp: base, AppName: "chrome.exe", Text: strp("hello")})
	mustInsert(t, s, store.ActivityRecord{Timestamp: base.Add(time.Hour), AppName: "Google Chrome"})
	mustInsert(t, s, store.ActivityRecord{Timestamp: base.Add(2 * time.Hour), AppName: "Slack", Text: strp("standup")})
	mustInsert(t, s, store.ActivityRecord{Timestamp: base.Add(-48 * time.Hour), AppName: "Chrome", Text: strp("  ")})
	mustInsert(t, s, store.ActivityRecord{Timestamp: base.Add(3 * time.Hour), AppName: "100%_app"})

	tests := []struct {
		name string
		f    store.Filter
		want int
	}{
		{"all", store.Filter{}, 5},
		{"app_chrome", store.Filter{AppName: "Chrome"}, 3},
		{"app_with_exe", store.Filter{AppName: "CHROME.EXE"}, 3},
		{"app_slack", store.Filter{AppName: "slack"}, 1},
		{"app_like_escape", store.Filter{AppName: "%_"}, 1},
		{"has_text", store.Filter{HasText: boolp(true)}, 2},
		{"no_text", store.Filter{HasText: boolp(false)}, 3},
		{"time_range", store.Filter{TimeRange: &store.TimeRange{From: base, To: base.Add(2 * time.Hour)}}, 2},
		{"open_to", store.Filter{TimeRange: &store.TimeRange{From: base.Add(time.Hour)}}, 3},
		{"combined", store.Filter{AppName: "chrome", HasText: boolp(true), TimeRange: &store.TimeRange{From: base.Add(-time.Hour)}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := s.Count(ctx, tt.f)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			cands, err := s.Candidates(ctx, tt.f)
			if err != nil {
				t.Fatalf("Candidates: %v", err)
			}
			list, err := s.List(ctx, tt.f, 100, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if n != tt.want || len(cands) != tt.want || len(list) != tt.want {
				t.Errorf("Count=%d Candidates=%d List=%d, want %d", n, len(cands), len(list), tt.want)
			}
			for i := 1; i < len(cands); i++ {
				if cands[i].Timestamp.After(cands[i-1].Timestamp) {
					t.Errorf("candidates not in timestamp desc order at %d", i)
				}
			}
		})
	}
}

func TestTextIndex_SearchAndReindex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ti := s.TextIndex()
	now := time.Now()

	id1 := mustInsert(t, s, store.ActivityRecord{Timestamp: now, AppName: "Chrome", Text: strp("quarterly report pdf")})
	id2 := mustInsert(t, s, store.ActivityRecord{Timestamp: now, AppName: "Code", Text: strp("golang report generator")})
	id3 := mustInsert(t, s, store.ActivityRecord{Timestamp: now, AppName: "Slack", Text: strp("   ")})

	for _, id := range []int64{id1, id2, id3} {
		rec, _ := s.Get(ctx, id)
		if err := ti.Index(ctx, *rec); err != nil {
			t.Fatalf("Index(%d): %v", id, err)
		}
	}

	ids, _ := ti.IDs(ctx)
	if len(ids) != 2 {
		t.Errorf("IDs = %v, blank text must not be indexed", ids)
	}

	hits, err := ti.Search(ctx, "report", nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Search(report) = %v, want 2 hits", hits)
	}
	for _, h := range hits {
		if h.Score <= 0 {
			t.Errorf("hit %d score = %v, want > 0", h.ID, h.Score)
		}
	}

	restricted, _ := ti.Search(ctx, "report", []int64{id2}, 10)
	if len(restricted) != 1 || restricted[0].ID != id2 {
		t.Errorf("restricted Search = %v, want only %d", restricted, id2)
	}
	if none, _ := ti.Search(ctx, "report", []int64{}, 10); len(none) != 0 {
		t.Errorf("empty candidate set returned %v", none)
	}

	// FTS syntax in user input is neutralized.
	if _, err := ti.Search(ctx, `report" OR NEAR(`, nil, 10); err != nil {
		t.Errorf("Search with FTS syntax: %v", err)
	}

	if err := s.UpdateText(ctx, id1, strp("annual budget spreadsheet")); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}
	rec, _ := s.Get(ctx, id1)
	if err := ti.Reindex(ctx, *rec); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if old, _ := ti.Search(ctx, "quarterly", nil, 10); len(old) != 0 {
		t.Errorf("old text still matches after reindex: %v", old)
	}
	if fresh, _ := ti.Search(ctx, "budget", nil, 10); len(fresh) != 1 || fresh[0].ID != id1 {
		t.Errorf("new text search = %v", fresh)
	}
}

func TestVectorIndex_UpsertSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vi := s.VectorIndex()
	now := time.Now()

	a := mustInsert(t, s, store.ActivityRecord{Timestamp: now, AppName: "A"})
	b := mustInsert(t, s, store.ActivityRecord{Timestamp: now, AppName: "B"})
	c := mustInsert(t, s, store.ActivityRecord{Timestamp: now, AppName: "C"})

	vecs := map[int64][]float32{a: {1, 0, 0}, b: {0.9, 0.1, 0}, c: {0, 1, 0}}
	for id, v := range vecs {
		if err := vi.Upsert(ctx, id, "test", v); err != nil {
			t.Fatalf("Upsert(%d): %v", id, err)
		}
	}
	if err := vi.Upsert(ctx, 9999, "test", []float32{1, 0, 0}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Upsert(missing record) err = %v, want ErrNotFound", err)
	}

	hits, err := vi.Search(ctx, []float32{1, 0, 0}, nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 || hits[0].ID != a || hits[1].ID != b {
		t.Errorf("Search order = %v", hits)
	}

	restricted, _ := vi.Search(ctx, []float32{1, 0, 0}, []int64{c}, 10)
	if len(restricted) != 1 || restricted[0].ID != c {
		t.Errorf("restricted Search = %v", restricted)
	}

	// Replacing the vector changes the ranking.
	if err := vi.Upsert(ctx, c, "test", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, _ := vi.Get(ctx, c)
	if len(got) != 3 || got[0] != 1 {
		t.Errorf("Get after replace = %v", got)
	}

	// Mismatched dimensions are skipped rather than compared.
	if mixed, _ := vi.Search(ctx, []float32{1, 0}, nil, 10); len(mixed) != 0 {
		t.Errorf("dimension mismatch returned %v", mixed)
	}
}

func TestStore_DeleteCascadesToIndexes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ti, vi := s.TextIndex(), s.VectorIndex()
	old := time.Now().Add(-40 * 24 * time.Hour)

	keep := mustInsert(t, s, store.ActivityRecord{Timestamp: time.Now(), AppName: "A", Text: strp("fresh note")})
	expire := mustInsert(t, s, store.ActivityRecord{Timestamp: old, AppName: "B", Text: strp("stale note")})

	for _, id := range []int64{keep, expire} {
		rec, _ := s.Get(ctx, id)
		ti.Index(ctx, *rec)
		vi.Upsert(ctx, id, "test", []float32{1, 0})
		s.PutIndexState(ctx, store.IndexState{ActivityID: id, Rev: rec.Rev, TextIndexed: true, VectorStatus: store.VectorOK})
	}

	dry, err := s.DeleteOlderThan(ctx, time.Now().Add(-30*24*time.Hour), true)
	if err != nil {
		t.Fatalf("DeleteOlderThan dry: %v", err)
	}
	if dry.Records != 1 || dry.VectorEntries != 1 || dry.TextEntries != 1 {
		t.Errorf("dry run stats = %+v", dry)
	}
	if n, _ := s.Count(ctx, store.Filter{}); n != 2 {
		t.Errorf("dry run deleted records: count = %d", n)
	}

	if _, err := s.DeleteOlderThan(ctx, time.Now().Add(-30*24*time.Hour), false); err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	textIDs, _ := ti.IDs(ctx)
	vecIDs, _ := vi.IDs(ctx)
	if len(textIDs) != 1 || textIDs[0] != keep {
		t.Errorf("text ids after purge = %v", textIDs)
	}
	if len(vecIDs) != 1 || vecIDs[0] != keep {
		t.Errorf("vector ids after purge = %v", vecIDs)
	}
	if _, err := s.GetIndexState(ctx, expire); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("index state survived purge: %v", err)
	}

	if err := s.Delete(ctx, keep); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	textIDs, _ = ti.IDs(ctx)
	vecIDs, _ = vi.IDs(ctx)
	if len(textIDs) != 0 || len(vecIDs) != 0 {
		t.Errorf("derived rows survived delete: text=%v vec=%v", textIDs, vecIDs)
	}
}

func TestStore_PendingIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustInsert(t, s, store.ActivityRecord{Timestamp: time.Now(), AppName: "A"})
	pending, _ := s.PendingIndex(ctx, 10)
	if len(pending) != 1 || pending[0] != id {
		t.Fatalf("PendingIndex = %v, want [%d]", pending, id)
	}

	rec, _ := s.Get(ctx, id)
	s.PutIndexState(ctx, store.IndexState{ActivityID: id, Rev: rec.Rev, VectorStatus: store.VectorSkipped})
	if pending, _ := s.PendingIndex(ctx, 10); len(pending) != 0 {
		t.Errorf("PendingIndex after state = %v", pending)
	}

	s.UpdateText(ctx, id, strp("ocr arrived"))
	if pending, _ := s.PendingIndex(ctx, 10); len(pending) != 1 {
		t.Errorf("text update not detected as pending: %v", pending)
	}

	rec, _ = s.Get(ctx, id)
	s.PutIndexState(ctx, store.IndexState{ActivityID: id, Rev: rec.Rev, TextIndexed: true, VectorStatus: store.VectorFailed, Attempts: 1})
	if vp, _ := s.PendingVectors(ctx, 3, 10); len(vp) != 1 {
		t.Errorf("PendingVectors = %v, want 1", vp)
	}
	if vp, _ := s.PendingVectors(ctx, 1, 10); len(vp) != 0 {
		t.Errorf("PendingVectors past max attempts = %v", vp)
	}

	// State for a deleted record is silently dropped.
	if err := s.PutIndexState(ctx, store.IndexState{ActivityID: 4242, VectorStatus: store.VectorOK}); err != nil {
		t.Errorf("PutIndexState(missing) = %v", err)
	}
}

func TestStore_StatsAndCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mustInsert(t, s, store.ActivityRecord{Timestamp: base, AppName: "Chrome", Text: strp("a")})
	mustInsert(t, s, store.ActivityRecord{Timestamp: base.Add(6 * time.Hour), AppName: "Chrome"})
	mustInsert(t, s, store.ActivityRecord{Timestamp: base.Add(12 * time.Hour), AppName: "Slack"})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalRecords != 3 || st.RecordsWithText != 1 || st.TopApp != "Chrome" || st.TopAppCount != 2 || st.SpanHours != 12 {
		t.Errorf("Stats = %+v", st)
	}

	if _, ok := s.GetCachedEmbedding(ctx, "h", "p", "m"); ok {
		t.Error("unexpected cache hit")
	}
	if err := s.CacheEmbedding(ctx, "h", "p", "m", []float32{0.5, 0.25}); err != nil {
		t.Fatalf("CacheEmbedding: %v", err)
	}
	if v, ok := s.GetCachedEmbedding(ctx, "h", "p", "m"); !ok || len(v) != 2 || v[1] != 0.25 {
		t.Errorf("GetCachedEmbedding = %v, %v", v, ok)
	}
}

func TestTextIndex_FoldsStoredText(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ti := s.TextIndex()

	street := mustInsert(t, s, store.ActivityRecord{Timestamp: time.Now(), AppName: "Mail", Text: strp("Lieferung an Hauptstraße 5")})
	finance := mustInsert(t, s, store.ActivityRecord{Timestamp: time.Now(), AppName: "Chrome", Text: strp("ﬁnance dashboard")})
	for _, id := range []int64{street, finance} {
		rec, _ := s.Get(ctx, id)
		if err := ti.Index(ctx, *rec); err != nil {
			t.Fatalf("Index(%d): %v", id, err)
		}
	}

	tests := []struct {
		term string
		want int64
	}{
		{"Hauptstraße", street},
		{"hauptstrasse", street},
		{"ﬁnance", finance},
		{"finance", finance},
	}
	for _, tt := range tests {
		hits, err := ti.Search(ctx, store.FoldText(tt.term), nil, 10)
		if err != nil {
			t.Fatalf("Search(%q): %v", tt.term, err)
		}
		if len(hits) != 1 || hits[0].ID != tt.want {
			t.Errorf("Search(%q) = %v, want id %d", tt.term, hits, tt.want)
		}
	}
}
