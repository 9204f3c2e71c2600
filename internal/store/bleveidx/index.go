// Package bleveidx is a bleve-backed text index, selectable with
// text_index.backend = "bleve". The index lives outside SQLite, so removal
// is driven by record delete events and the consistency check instead of
// the schema cascade.
package bleveidx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	_ "github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

const (
	fieldText = "text"
	analyzer  = "en"
	pageSize  = 1000
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bleve index closed")

type document struct {
	Text string `json:"text"`
}

// Index implements store.TextIndex on top of a bleve index.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ store.TextIndex = (*Index)(nil)

// Open opens the index at path, creating it when missing.
// An empty path keeps the index in memory.
func Open(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create in-memory index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	idx, err := bleve.Open(path)
	if err == nil {
		return &Index{index: idx, path: path}, nil
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return nil, fmt.Errorf("%w: open bleve index %s: %v", store.ErrIndexUnavailable, path, err)
	}

	idx, err = bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	slog.Info("bleve index created", "path", path)
	return &Index{index: idx, path: path}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = analyzer

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = analyzer
	textField.Store = false
	textField.IncludeTermVectors = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(fieldText, textField)
	m.DefaultMapping = doc
	return m
}

func (i *Index) Name() string { return "bleve" }

func (i *Index) Index(ctx context.Context, rec store.ActivityRecord) error {
	return i.Reindex(ctx, rec)
}

// Reindex overwrites the whole document; bleve replaces every term of a doc
// id in a single batch, so old tokens stop matching with the same commit.
// Text is folded like search keywords before analysis.
func (i *Index) Reindex(ctx context.Context, rec store.ActivityRecord) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}

	b := i.index.NewBatch()
	docID := strconv.FormatInt(rec.ID, 10)
	if rec.HasText() {
		if err := b.Index(docID, document{Text: store.FoldText(*rec.Text)}); err != nil {
			return fmt.Errorf("batch index %d: %w", rec.ID, err)
		}
	} else {
		b.Delete(docID)
	}
	if err := i.index.Batch(b); err != nil {
		return fmt.Errorf("bleve batch: %w", err)
	}
	return nil
}

func (i *Index) Remove(ctx context.Context, id int64) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}
	return i.index.Delete(strconv.FormatInt(id, 10))
}

// Search runs an AND match over the text field. Candidates are applied
// after scoring so a hit's score does not depend on the restriction.
func (i *Index) Search(ctx context.Context, term string, candidates []int64, limit int) ([]store.ScoredID, error) {
	if strings.TrimSpace(term) == "" {
		return nil, nil
	}
	if candidates != nil && len(candidates) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, fmt.Errorf("%w: %v", store.ErrIndexUnavailable, ErrClosed)
	}

	var allowed map[int64]struct{}
	if candidates != nil {
		allowed = make(map[int64]struct{}, len(candidates))
		for _, id := range candidates {
			allowed[id] = struct{}{}
		}
	}

	match := bleve.NewMatchQuery(term)
	match.SetField(fieldText)
	match.SetOperator(query.MatchQueryOperatorAnd)

	size := limit
	if allowed != nil {
		size = max(limit, pageSize)
	}
	out := make([]store.ScoredID, 0, limit)
	for from := 0; len(out) < limit; from += size {
		req := bleve.NewSearchRequestOptions(match, size, from, false)
		req.SortBy([]string{"-_score", "-_id"})
		res, err := i.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: bleve search: %v", store.ErrIndexUnavailable, err)
		}
		for _, hit := range res.Hits {
			id, err := strconv.ParseInt(hit.ID, 10, 64)
			if err != nil {
				slog.Warn("bleve.search.bad_doc_id", "doc_id", hit.ID)
				continue
			}
			if allowed != nil {
				if _, ok := allowed[id]; !ok {
					continue
				}
			}
			out = append(out, store.ScoredID{ID: id, Score: max(hit.Score, 1e-9)})
			if len(out) == limit {
				break
			}
		}
		if len(res.Hits) < size {
			break
		}
	}
	return out, nil
}

// IDs lists every indexed record id in ascending doc-id order.
func (i *Index) IDs(ctx context.Context) ([]int64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, ErrClosed
	}
	return i.allIDs(ctx)
}

func (i *Index) allIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	for from := 0; ; from += pageSize {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), pageSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := i.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("bleve list ids: %w", err)
		}
		for _, hit := range res.Hits {
			id, err := strconv.ParseInt(hit.ID, 10, 64)
			if err != nil {
				slog.Warn("bleve.ids.bad_doc_id", "doc_id", hit.ID)
				continue
			}
			ids = append(ids, id)
		}
		if len(res.Hits) < pageSize {
			return ids, nil
		}
	}
}

func (i *Index) Clear(ctx context.Context) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}

	ids, err := i.allIDs(ctx)
	if err != nil {
		return err
	}
	b := i.index.NewBatch()
	for _, id := range ids {
		b.Delete(strconv.FormatInt(id, 10))
	}
	return i.index.Batch(b)
}

// DocCount reports the number of indexed documents.
func (i *Index) DocCount() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return 0, ErrClosed
	}
	return i.index.DocCount()
}

func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.index.Close()
}
