package sqlite

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

// minTextScore keeps matched rows strictly positive; FTS5 clamps IDF for very
// common terms so -bm25() can round to zero.
const minTextScore = 1e-9

// TextIndex is the FTS5 keyword index. rowid equals the activity_logs id.
type TextIndex struct {
	db *sqlx.DB
}

var _ store.TextIndex = (*TextIndex)(nil)

func (t *TextIndex) Name() string { return "fts5" }

// Index is Reindex: an entry is always rebuilt whole.
func (t *TextIndex) Index(ctx context.Context, rec store.ActivityRecord) error {
	return t.Reindex(ctx, rec)
}

// Reindex deletes and re-inserts the entry in one transaction.
// Blank text leaves no entry. The stored text is folded the same way as
// search keywords (store.FoldText) so "ß" and "ss" meet in the index.
func (t *TextIndex) Reindex(ctx context.Context, rec store.ActivityRecord) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_fts WHERE rowid = ?`, rec.ID); err != nil {
		return fmt.Errorf("delete fts: %w", err)
	}
	if rec.HasText() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO activity_fts (rowid, text) VALUES (?, ?)`, rec.ID, store.FoldText(*rec.Text)); err != nil {
			return fmt.Errorf("insert fts: %w", err)
		}
	}
	return tx.Commit()
}

func (t *TextIndex) Remove(ctx context.Context, id int64) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM activity_fts WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("delete fts: %w", err)
	}
	return nil
}

// Search ranks matches by BM25 (score = -bm25, higher is better).
func (t *TextIndex) Search(ctx context.Context, term string, candidates []int64, limit int) ([]store.ScoredID, error) {
	match := sanitizeFTS(term)
	if match == "" {
		return nil, nil
	}
	if candidates != nil && len(candidates) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT rowid, -bm25(activity_fts) AS score FROM activity_fts WHERE activity_fts MATCH ?`
	args := []any{match}
	if candidates != nil {
		q += ` AND rowid IN (SELECT value FROM json_each(?))`
		args = append(args, idsJSON(candidates))
	}
	q += ` ORDER BY score DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fts query: %v", store.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var out []store.ScoredID
	for rows.Next() {
		var hit store.ScoredID
		if err := rows.Scan(&hit.ID, &hit.Score); err != nil {
			return nil, fmt.Errorf("%w: fts scan: %v", store.ErrIndexUnavailable, err)
		}
		hit.Score = max(hit.Score, minTextScore)
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fts rows: %v", store.ErrIndexUnavailable, err)
	}
	return out, nil
}

func (t *TextIndex) IDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := t.db.SelectContext(ctx, &ids, `SELECT rowid FROM activity_fts ORDER BY rowid`); err != nil {
		return nil, fmt.Errorf("fts ids: %w", err)
	}
	return ids, nil
}

func (t *TextIndex) Clear(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM activity_fts`); err != nil {
		return fmt.Errorf("clear fts: %w", err)
	}
	return nil
}

// Close is a no-op; the handle belongs to Store.
func (t *TextIndex) Close() error { return nil }

// sanitizeFTS turns free text into an FTS5 query of quoted terms (implicit AND),
// so user input can never be parsed as FTS5 syntax.
func sanitizeFTS(term string) string {
	words := strings.FieldsFunc(term, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " ")
}
