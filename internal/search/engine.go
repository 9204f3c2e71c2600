// Package search is the fusion engine: it narrows records by metadata,
// scores the survivors with the text and vector indexes, fuses the two
// signals with temporal decay, and paginates with a total that always
// matches the ranked set.
package search

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/memlens/internal/config"
	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/internal/vecmath"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/memlens/internal/search")

// Order selects result ordering.
type Order string

const (
	OrderTime Order = "time"
	OrderRank Order = "rank"
)

// Source tells which signal placed an item in the result set.
type Source string

const (
	SourceTime   Source = "time"
	SourceText   Source = "text"
	SourceVector Source = "vector"
	SourceHybrid Source = "hybrid"
)

// Degraded reasons reported on a Page.
const (
	DegradedTextIndex   = "text_index_unavailable"
	DegradedEmbedding   = "embedding_unavailable"
	DegradedVectorIndex = "vector_index_unavailable"
	DegradedNoSignal    = "no_ranking_signal"
	DegradedConsistency = "index_consistency_violation"
)

// Query is a structured search request.
type Query struct {
	Keyword string       `json:"keyword,omitempty"`
	Intent  string       `json:"intent,omitempty"` // semantic text; embedded for the vector signal
	Filter  store.Filter `json:"filter"`
	Limit   int          `json:"limit,omitempty"`
	Offset  int          `json:"offset,omitempty"`
	OrderBy Order        `json:"order_by,omitempty"`
}

// Item is one ranked result.
type Item struct {
	Record      store.ActivityRecord `json:"record"`
	Score       float64              `json:"score"`
	TextScore   float64              `json:"text_score,omitempty"`
	VectorScore float64              `json:"vector_score,omitempty"`
	Source      Source               `json:"source"`
}

// Page is a slice of the ranked set plus the size of the whole set.
type Page struct {
	Items    []Item   `json:"items"`
	Total    int      `json:"total"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
	OrderBy  Order    `json:"order_by"`
	Degraded []string `json:"degraded,omitempty"`
}

// QueryEmbedder embeds search text. embedding.Service satisfies it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ConsistencyHandler is told about index entries that reference missing
// records. It must not block; the indexer schedules a rebuild.
type ConsistencyHandler func(ctx context.Context, err *store.ConsistencyError)

// Engine runs searches. It holds no lock across requests; every call reads
// a fresh settings snapshot.
type Engine struct {
	records  store.RecordStore
	text     store.TextIndex
	vectors  store.VectorIndex
	embedder QueryEmbedder

	settings      func() config.SearchConfig
	onConsistency ConsistencyHandler
	now           func() time.Time
}

type Option func(*Engine)

// WithEmbedder enables the vector signal.
func WithEmbedder(e QueryEmbedder) Option {
	return func(en *Engine) { en.embedder = e }
}

// WithSettings supplies live tuning (weights, half-life, limits). The
// function is called once per search so hot reloads take effect immediately.
func WithSettings(fn func() config.SearchConfig) Option {
	return func(en *Engine) { en.settings = fn }
}

func WithConsistencyHandler(h ConsistencyHandler) Option {
	return func(en *Engine) { en.onConsistency = h }
}

func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.now = now }
}

// New builds an engine. text and vectors may be nil; the matching signal is
// then reported as unavailable.
func New(records store.RecordStore, text store.TextIndex, vectors store.VectorIndex, opts ...Option) *Engine {
	defaults := config.Default().Search
	e := &Engine{
		records:  records,
		text:     text,
		vectors:  vectors,
		settings: func() config.SearchConfig { return defaults },
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SemanticEnabled reports whether queries can use the vector signal.
func (e *Engine) SemanticEnabled() bool {
	return e.embedder != nil && e.vectors != nil
}

// NormalizeKeyword folds case and width and drops punctuation, leaving
// space-separated words. An empty result means "no keyword".
func NormalizeKeyword(s string) string {
	words := strings.FieldsFunc(store.FoldText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return strings.Join(words, " ")
}

func (e *Engine) validate(q *Query, s config.SearchConfig) error {
	if q.Offset < 0 {
		return store.Invalid("offset", "must be >= 0, got %d", q.Offset)
	}
	if q.Limit < 0 {
		return store.Invalid("limit", "must be >= 0, got %d", q.Limit)
	}
	if q.Limit > s.MaxLimit {
		return store.Invalid("limit", "must be <= %d, got %d", s.MaxLimit, q.Limit)
	}
	if q.Limit == 0 {
		q.Limit = s.DefaultLimit
	}
	switch q.OrderBy {
	case "", OrderTime, OrderRank:
	default:
		return store.Invalid("order_by", "unknown order %q (want time or rank)", q.OrderBy)
	}
	return store.ValidateFilter(q.Filter)
}

// Search runs q. It fails only for invalid parameters or when the record
// store itself is unreachable; index and provider trouble degrades the
// result instead.
func (e *Engine) Search(ctx context.Context, q Query) (*Page, error) {
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()

	s := e.settings()
	if err := e.validate(&q, s); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	keyword := NormalizeKeyword(q.Keyword)
	intent := strings.TrimSpace(q.Intent)
	if q.OrderBy == "" {
		q.OrderBy = OrderTime
		if keyword != "" || intent != "" {
			q.OrderBy = OrderRank
		}
	}
	span.SetAttributes(
		attribute.Bool("search.keyword", keyword != ""),
		attribute.Bool("search.intent", intent != ""),
		attribute.String("search.order", string(q.OrderBy)),
		attribute.Int("search.limit", q.Limit),
		attribute.Int("search.offset", q.Offset),
	)

	var (
		page *Page
		err  error
	)
	if keyword == "" && intent == "" {
		page, err = e.chronological(ctx, q)
	} else {
		page, err = e.ranked(ctx, q, s, keyword, intent)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.total", page.Total))
	if len(page.Degraded) > 0 {
		span.SetAttributes(attribute.StringSlice("search.degraded", page.Degraded))
	}
	return page, nil
}

// chronological serves filter-only queries straight from the record store.
// Count and List share one filter builder, so total and items agree.
func (e *Engine) chronological(ctx context.Context, q Query) (*Page, error) {
	total, err := e.records.Count(ctx, q.Filter)
	if err != nil {
		return nil, err
	}
	recs, err := e.records.List(ctx, q.Filter, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(recs))
	for i, r := range recs {
		items[i] = Item{Record: r, Source: SourceTime}
	}
	return &Page{Items: items, Total: total, Limit: q.Limit, Offset: q.Offset, OrderBy: OrderTime}, nil
}

type scored struct {
	id        int64
	ts        time.Time
	rawText   float64
	cosine    float64
	textHit   bool
	vectorHit bool

	text   float64
	vector float64
	score  float64
}

type signals struct {
	textHits   []store.ScoredID
	textOK     bool
	vectorHits []store.ScoredID
	vectorOK   bool
	degraded   []string
}

func (e *Engine) ranked(ctx context.Context, q Query, s config.SearchConfig, keyword, intent string) (*Page, error) {
	cands, err := e.records.Candidates(ctx, q.Filter)
	if err != nil {
		return nil, err
	}
	page := &Page{Limit: q.Limit, Offset: q.Offset, OrderBy: q.OrderBy, Items: []Item{}}
	if len(cands) == 0 {
		return page, nil
	}

	byID := make(map[int64]store.Candidate, len(cands))
	for _, c := range cands {
		byID[c.ID] = c
	}
	// An empty filter means every record is a candidate; skip shipping the
	// id list to the indexes in that case.
	var restrict []int64
	if !filterIsEmpty(q.Filter) {
		restrict = make([]int64, len(cands))
		for i, c := range cands {
			restrict[i] = c.ID
		}
	}

	sig := e.collect(ctx, s, keyword, intent, restrict, len(cands))
	page.Degraded = sig.degraded

	sig.textHits = e.dropForeign(ctx, "text", sig.textHits, byID, page)
	sig.vectorHits = e.dropForeign(ctx, "vector", sig.vectorHits, byID, page)

	set := make(map[int64]*scored)
	get := func(id int64) *scored {
		if sc, ok := set[id]; ok {
			return sc
		}
		sc := &scored{id: id, ts: byID[id].Timestamp}
		set[id] = sc
		return sc
	}
	maxText := 0.0
	for _, h := range sig.textHits {
		if h.Score <= 0 {
			continue
		}
		sc := get(h.ID)
		sc.rawText, sc.textHit = h.Score, true
		maxText = max(maxText, h.Score)
	}
	for _, h := range sig.vectorHits {
		if h.Score < s.MinSimilarity {
			continue
		}
		sc := get(h.ID)
		sc.cosine, sc.vectorHit = h.Score, true
	}

	if !sig.textOK && !sig.vectorOK {
		page.Degraded = appendUnique(page.Degraded, DegradedNoSignal)
		page.OrderBy = OrderTime
		slog.Warn("search.degraded", "reason", DegradedNoSignal, "candidates", len(cands))
		return e.hydrate(ctx, page, timeOrdered(cands))
	}

	w := weightsFor(s, sig.textOK, sig.vectorOK)
	decay := sig.vectorOK || s.DecayKeywordOnly
	now := e.now()

	results := make([]*scored, 0, len(set))
	for _, sc := range set {
		if sc.textHit && maxText > 0 {
			sc.text = sc.rawText / maxText
		}
		if sc.vectorHit {
			sc.vector = vecmath.ToUnit(sc.cosine)
		}
		sc.score = Fuse(w, sc.text, sc.vector)
		if decay {
			sc.score *= Decay(now.Sub(sc.ts), s.DecayHalflifeDays)
		}
		results = append(results, sc)
	}

	if q.OrderBy == OrderTime {
		slices.SortFunc(results, byTime)
	} else {
		slices.SortFunc(results, byRank)
	}
	return e.hydrate(ctx, page, results)
}

// collect runs the text and vector branches concurrently. Neither branch
// returns an error; failures become degraded reasons.
func (e *Engine) collect(ctx context.Context, s config.SearchConfig, keyword, intent string, restrict []int64, limit int) signals {
	var (
		g           errgroup.Group
		sig         signals
		textErr     error
		embedErr    error
		vectorErr   error
		vectorTried bool
	)

	if keyword != "" && e.text != nil {
		g.Go(func() error {
			ctx, span := tracer.Start(ctx, "search.text")
			defer span.End()
			hits, err := e.text.Search(ctx, keyword, restrict, limit)
			if err != nil {
				span.RecordError(err)
				textErr = err
				return nil
			}
			sig.textHits, sig.textOK = hits, true
			span.SetAttributes(attribute.Int("search.text.hits", len(hits)))
			return nil
		})
	} else if keyword != "" {
		textErr = store.ErrIndexUnavailable
	}

	semantic := intent
	if semantic == "" {
		semantic = keyword
	}
	if e.SemanticEnabled() && semantic != "" {
		vectorTried = true
		g.Go(func() error {
			ctx, span := tracer.Start(ctx, "search.vector")
			defer span.End()

			embedCtx := ctx
			if d := s.EmbedTimeout(); d > 0 {
				var cancel context.CancelFunc
				embedCtx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			vec, err := e.embedder.EmbedQuery(embedCtx, semantic)
			if err != nil {
				span.RecordError(err)
				embedErr = err
				return nil
			}
			hits, err := e.vectors.Search(ctx, vec, restrict, limit)
			if err != nil {
				span.RecordError(err)
				vectorErr = err
				return nil
			}
			sig.vectorHits, sig.vectorOK = hits, true
			span.SetAttributes(attribute.Int("search.vector.hits", len(hits)))
			return nil
		})
	}
	g.Wait()

	if textErr != nil {
		sig.degraded = append(sig.degraded, DegradedTextIndex)
		slog.Warn("search.degraded", "reason", DegradedTextIndex, "error", textErr)
	}
	if vectorTried && embedErr != nil {
		sig.degraded = append(sig.degraded, DegradedEmbedding)
		slog.Warn("search.degraded", "reason", DegradedEmbedding, "error", embedErr)
	}
	if vectorErr != nil {
		sig.degraded = append(sig.degraded, DegradedVectorIndex)
		slog.Warn("search.degraded", "reason", DegradedVectorIndex, "error", vectorErr)
	}
	return sig
}

// dropForeign removes hits that fall outside the candidate set. Ids that
// still exist were inserted after the candidate scan and are simply
// skipped; ids with no record are orphan index entries, which is a
// consistency violation that triggers a rebuild.
func (e *Engine) dropForeign(ctx context.Context, index string, hits []store.ScoredID, byID map[int64]store.Candidate, page *Page) []store.ScoredID {
	var foreign []int64
	kept := hits[:0]
	for _, h := range hits {
		if _, ok := byID[h.ID]; ok {
			kept = append(kept, h)
			continue
		}
		foreign = append(foreign, h.ID)
	}
	if len(foreign) == 0 {
		return kept
	}

	exists, err := e.records.RecordIDs(ctx, foreign)
	if err != nil {
		slog.Warn("search.consistency.lookup_failed", "index", index, "error", err)
		return kept
	}
	var orphans []int64
	for _, id := range foreign {
		if !exists[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return kept
	}

	cerr := &store.ConsistencyError{Index: index, IDs: orphans}
	slog.Error("search.consistency", "index", index, "orphans", len(orphans), "error", cerr)
	page.Degraded = appendUnique(page.Degraded, DegradedConsistency)
	if e.onConsistency != nil {
		e.onConsistency(ctx, cerr)
	}
	return kept
}

// hydrate slices the ordered set and loads records for the page only.
func (e *Engine) hydrate(ctx context.Context, page *Page, ordered []*scored) (*Page, error) {
	page.Total = len(ordered)
	if page.Offset >= len(ordered) {
		return page, nil
	}
	end := min(page.Offset+page.Limit, len(ordered))
	window := ordered[page.Offset:end]

	ids := make([]int64, len(window))
	for i, sc := range window {
		ids[i] = sc.id
	}
	recs, err := e.records.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	recByID := make(map[int64]store.ActivityRecord, len(recs))
	for _, r := range recs {
		recByID[r.ID] = r
	}

	for _, sc := range window {
		rec, ok := recByID[sc.id]
		if !ok {
			// Deleted between candidate scan and hydration.
			continue
		}
		page.Items = append(page.Items, Item{
			Record:      rec,
			Score:       sc.score,
			TextScore:   sc.text,
			VectorScore: sc.vector,
			Source:      sourceOf(sc),
		})
	}
	return page, nil
}

func sourceOf(sc *scored) Source {
	switch {
	case sc.textHit && sc.vectorHit:
		return SourceHybrid
	case sc.textHit:
		return SourceText
	case sc.vectorHit:
		return SourceVector
	default:
		return SourceTime
	}
}

func timeOrdered(cands []store.Candidate) []*scored {
	out := make([]*scored, len(cands))
	for i, c := range cands {
		out[i] = &scored{id: c.ID, ts: c.Timestamp}
	}
	slices.SortFunc(out, byTime)
	return out
}

func byTime(a, b *scored) int {
	if c := b.ts.Compare(a.ts); c != 0 {
		return c
	}
	return cmp.Compare(b.id, a.id)
}

func byRank(a, b *scored) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	return byTime(a, b)
}

func filterIsEmpty(f store.Filter) bool {
	return strings.TrimSpace(f.AppName) == "" && (f.TimeRange == nil || f.TimeRange.IsZero()) && f.HasText == nil
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
