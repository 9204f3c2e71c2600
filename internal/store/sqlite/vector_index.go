package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/internal/vecmath"
)

// VectorIndex keeps one JSON-encoded embedding per record and ranks with an
// exact cosine scan over the candidate rows.
type VectorIndex struct {
	db *sqlx.DB
}

var _ store.VectorIndex = (*VectorIndex)(nil)

// Upsert replaces the record's embedding. Unknown ids fail the foreign key.
func (v *VectorIndex) Upsert(ctx context.Context, id int64, model string, vec []float32) error {
	if len(vec) == 0 {
		return v.Remove(ctx, id)
	}
	embJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = v.db.ExecContext(ctx, `INSERT INTO activity_vectors (activity_id, model, dims, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(activity_id) DO UPDATE SET
			model = excluded.model,
			dims = excluded.dims,
			embedding = excluded.embedding,
			created_at = excluded.created_at`,
		id, model, len(vec), string(embJSON), time.Now().UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("vector for record %d: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

func (v *VectorIndex) Remove(ctx context.Context, id int64) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM activity_vectors WHERE activity_id = ?`, id); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

func (v *VectorIndex) Get(ctx context.Context, id int64) ([]float32, error) {
	var embJSON string
	err := v.db.GetContext(ctx, &embJSON, `SELECT embedding FROM activity_vectors WHERE activity_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vector %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
		return nil, fmt.Errorf("decode vector %d: %w", id, err)
	}
	return vec, nil
}

// Search loads only candidate rows (all rows when candidates is nil) and
// returns the top matches by cosine similarity.
func (v *VectorIndex) Search(ctx context.Context, query []float32, candidates []int64, limit int) ([]store.ScoredID, error) {
	if len(query) == 0 {
		return nil, nil
	}
	if candidates != nil && len(candidates) == 0 {
		return nil, nil
	}

	q := `SELECT activity_id, dims, embedding FROM activity_vectors`
	var args []any
	if candidates != nil {
		q += ` WHERE activity_id IN (SELECT value FROM json_each(?))`
		args = append(args, idsJSON(candidates))
	}

	rows, err := v.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: vector query: %v", store.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var out []store.ScoredID
	skipped := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			id      int64
			dims    int
			embJSON string
		)
		if err := rows.Scan(&id, &dims, &embJSON); err != nil {
			return nil, fmt.Errorf("%w: vector scan: %v", store.ErrIndexUnavailable, err)
		}
		if dims != len(query) {
			skipped++
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil || len(emb) != dims {
			skipped++
			continue
		}
		out = append(out, store.ScoredID{ID: id, Score: vecmath.Cosine(query, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: vector rows: %v", store.ErrIndexUnavailable, err)
	}
	if skipped > 0 {
		slog.Debug("vector.search.skipped", "count", skipped, "query_dims", len(query))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *VectorIndex) IDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := v.db.SelectContext(ctx, &ids, `SELECT activity_id FROM activity_vectors ORDER BY activity_id`); err != nil {
		return nil, fmt.Errorf("vector ids: %w", err)
	}
	return ids, nil
}

func (v *VectorIndex) Clear(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM activity_vectors`); err != nil {
		return fmt.Errorf("clear vectors: %w", err)
	}
	return nil
}
