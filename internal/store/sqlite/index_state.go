package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

type indexStateRow struct {
	ActivityID   int64  `db:"activity_id"`
	Rev          int64  `db:"rev"`
	TextIndexed  bool   `db:"text_indexed"`
	VectorStatus string `db:"vector_status"`
	Attempts     int    `db:"attempts"`
	LastError    string `db:"last_error"`
	UpdatedAt    int64  `db:"updated_at"`
}

// PendingIndex returns records never indexed or whose text changed since.
func (s *Store) PendingIndex(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `SELECT a.id FROM activity_logs a
		LEFT JOIN index_state s ON s.activity_id = a.id
		WHERE s.activity_id IS NULL OR s.rev < a.rev
		ORDER BY a.id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending index: %w", err)
	}
	return ids, nil
}

// PendingVectors returns up-to-date records whose embedding is still missing.
func (s *Store) PendingVectors(ctx context.Context, maxAttempts, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `SELECT s.activity_id FROM index_state s
		JOIN activity_logs a ON a.id = s.activity_id
		WHERE s.vector_status IN ('failed', 'pending') AND s.attempts < ? AND s.rev = a.rev
		ORDER BY s.updated_at LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("pending vectors: %w", err)
	}
	return ids, nil
}

func (s *Store) GetIndexState(ctx context.Context, id int64) (*store.IndexState, error) {
	var row indexStateRow
	err := s.db.GetContext(ctx, &row, `SELECT activity_id, rev, text_indexed, vector_status, attempts, last_error, updated_at
		FROM index_state WHERE activity_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index state %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get index state: %w", err)
	}
	return &store.IndexState{
		ActivityID:   row.ActivityID,
		Rev:          row.Rev,
		TextIndexed:  row.TextIndexed,
		VectorStatus: row.VectorStatus,
		Attempts:     row.Attempts,
		LastError:    row.LastError,
		UpdatedAt:    time.UnixMilli(row.UpdatedAt),
	}, nil
}

// PutIndexState upserts the state row. A record deleted concurrently is not an error.
func (s *Store) PutIndexState(ctx context.Context, st store.IndexState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO index_state (activity_id, rev, text_indexed, vector_status, attempts, last_error, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM activity_logs WHERE id = ?)
		ON CONFLICT(activity_id) DO UPDATE SET
			rev = excluded.rev,
			text_indexed = excluded.text_indexed,
			vector_status = excluded.vector_status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.ActivityID, st.Rev, st.TextIndexed, st.VectorStatus, st.Attempts, st.LastError, time.Now().UnixMilli(), st.ActivityID)
	if err != nil {
		return fmt.Errorf("put index state: %w", err)
	}
	return nil
}

// ResetIndexState forgets all progress so every record is re-indexed.
func (s *Store) ResetIndexState(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM index_state`); err != nil {
		return fmt.Errorf("reset index state: %w", err)
	}
	return nil
}
