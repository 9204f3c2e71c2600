package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

type recordRow struct {
	ID          int64          `db:"id"`
	Timestamp   int64          `db:"timestamp"`
	AppName     string         `db:"app_name"`
	WindowTitle string         `db:"window_title"`
	Text        sql.NullString `db:"text"`
	Fingerprint sql.NullString `db:"fingerprint"`
	Rev         int64          `db:"rev"`
}

func (r recordRow) toRecord() store.ActivityRecord {
	rec := store.ActivityRecord{
		ID:          r.ID,
		Timestamp:   time.UnixMilli(r.Timestamp),
		AppName:     r.AppName,
		WindowTitle: r.WindowTitle,
		Rev:         r.Rev,
	}
	if r.Text.Valid {
		rec.Text = &r.Text.String
	}
	if r.Fingerprint.Valid {
		rec.Fingerprint = &r.Fingerprint.String
	}
	return rec
}

func toRecords(rows []recordRow) []store.ActivityRecord {
	out := make([]store.ActivityRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out
}

// Insert stores a new record and returns its id.
func (s *Store) Insert(ctx context.Context, rec store.ActivityRecord) (int64, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return 0, err
	}
	// A capture pipeline that assigns its own ids passes them through;
	// otherwise SQLite allocates the next rowid.
	var id any
	if rec.ID > 0 {
		id = rec.ID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, timestamp, app_name, window_title, text, fingerprint) VALUES (?, ?, ?, ?, ?, ?)`,
		id, rec.Timestamp.UnixMilli(), rec.AppName, rec.WindowTitle, nullString(rec.Text), nullString(rec.Fingerprint))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, store.Invalid("id", "record %d already exists", rec.ID)
		}
		return 0, fmt.Errorf("insert record: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	s.notify(store.ChangeInserted, newID)
	return newID, nil
}

// UpdateText replaces the record text. The schema trigger bumps rev when the value changes.
func (s *Store) UpdateText(ctx context.Context, id int64, text *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE activity_logs SET text = ? WHERE id = ?`, nullString(text), id)
	if err != nil {
		return fmt.Errorf("update text: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %d: %w", id, store.ErrNotFound)
	}
	s.notify(store.ChangeTextUpdated, id)
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*store.ActivityRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM `+recordsFrom+` WHERE a.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// GetMany hydrates ids in the given order; ids deleted in the meantime are skipped.
func (s *Store) GetMany(ctx context.Context, ids []int64) ([]store.ActivityRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM `+recordsFrom+` WHERE a.id IN (SELECT value FROM json_each(?))`, idsJSON(ids))
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	byID := make(map[int64]recordRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]store.ActivityRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r.toRecord())
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %d: %w", id, store.ErrNotFound)
	}
	s.notify(store.ChangeDeleted, id)
	return nil
}

// DeleteOlderThan purges records older than cutoff. With dryRun it only counts.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (store.CleanupStats, error) {
	stats := store.CleanupStats{Cutoff: cutoff, DryRun: dryRun}
	ms := cutoff.UnixMilli()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, `SELECT id FROM activity_logs WHERE timestamp < ? ORDER BY id`, ms); err != nil {
		return stats, fmt.Errorf("select expired: %w", err)
	}
	stats.Records = len(ids)
	if len(ids) == 0 {
		return stats, nil
	}
	if err := tx.GetContext(ctx, &stats.VectorEntries,
		`SELECT COUNT(*) FROM activity_vectors v JOIN activity_logs a ON a.id = v.activity_id WHERE a.timestamp < ?`, ms); err != nil {
		return stats, fmt.Errorf("count expired vectors: %w", err)
	}
	if err := tx.GetContext(ctx, &stats.TextEntries,
		`SELECT COUNT(*) FROM activity_fts WHERE rowid IN (SELECT id FROM activity_logs WHERE timestamp < ?)`, ms); err != nil {
		return stats, fmt.Errorf("count expired text entries: %w", err)
	}
	if dryRun {
		return stats, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_logs WHERE timestamp < ?`, ms); err != nil {
		return stats, fmt.Errorf("delete expired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return stats, err
	}
	s.notify(store.ChangeDeleted, ids...)
	return stats, nil
}

func (s *Store) Count(ctx context.Context, f store.Filter) (int, error) {
	where, args := buildFilter(f)
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+recordsFrom+where, args...); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, f store.Filter, limit, offset int) ([]store.ActivityRecord, error) {
	where, args := buildFilter(f)
	args = append(args, limit, offset)
	var rows []recordRow
	q := `SELECT ` + recordColumns + ` FROM ` + recordsFrom + where + ` ORDER BY a.timestamp DESC, a.id DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return toRecords(rows), nil
}

func (s *Store) Candidates(ctx context.Context, f store.Filter) ([]store.Candidate, error) {
	where, args := buildFilter(f)
	rows, err := s.db.QueryxContext(ctx,
		`SELECT a.id, a.timestamp FROM `+recordsFrom+where+` ORDER BY a.timestamp DESC, a.id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("candidate query: %w", err)
	}
	defer rows.Close()

	var out []store.Candidate
	for rows.Next() {
		var id, ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, store.Candidate{ID: id, Timestamp: time.UnixMilli(ts)})
	}
	return out, rows.Err()
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string, limit int) ([]store.ActivityRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM `+recordsFrom+` WHERE a.fingerprint = ? ORDER BY a.timestamp DESC, a.id DESC LIMIT ?`,
		fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("find by fingerprint: %w", err)
	}
	return toRecords(rows), nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	var agg struct {
		Total    int   `db:"total"`
		WithText int   `db:"with_text"`
		Oldest   int64 `db:"oldest"`
		Newest   int64 `db:"newest"`
	}
	err := s.db.GetContext(ctx, &agg, `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN text IS NOT NULL AND trim(text) != '' THEN 1 ELSE 0 END), 0) AS with_text,
		COALESCE(MIN(timestamp), 0) AS oldest,
		COALESCE(MAX(timestamp), 0) AS newest
		FROM activity_logs`)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	st.TotalRecords = agg.Total
	st.RecordsWithText = agg.WithText
	if agg.Total > 0 {
		st.Oldest = time.UnixMilli(agg.Oldest)
		st.Newest = time.UnixMilli(agg.Newest)
		st.SpanHours = st.Newest.Sub(st.Oldest).Hours()
	}

	var top struct {
		App   string `db:"app_name"`
		Count int    `db:"c"`
	}
	err = s.db.GetContext(ctx, &top,
		`SELECT app_name, COUNT(*) AS c FROM activity_logs GROUP BY app_name ORDER BY c DESC, app_name LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("stats top app: %w", err)
	}
	st.TopApp, st.TopAppCount = top.App, top.Count

	counts := []struct {
		dst *int
		q   string
	}{
		{&st.TextIndexed, `SELECT COUNT(*) FROM index_state WHERE text_indexed = 1`},
		{&st.VectorEntries, `SELECT COUNT(*) FROM activity_vectors`},
		{&st.VectorFailed, `SELECT COUNT(*) FROM index_state WHERE vector_status = 'failed'`},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, c.q); err != nil {
			return st, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

func (s *Store) Scan(ctx context.Context, afterID int64, limit int) ([]store.ActivityRecord, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+recordColumns+` FROM `+recordsFrom+` WHERE a.id > ? ORDER BY a.id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return toRecords(rows), nil
}

func (s *Store) RecordIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []int64
	err := s.db.SelectContext(ctx, &found,
		`SELECT id FROM activity_logs WHERE id IN (SELECT value FROM json_each(?))`, idsJSON(ids))
	if err != nil {
		return nil, fmt.Errorf("record ids: %w", err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// idsJSON encodes ids as a JSON array for json_each().
func idsJSON(ids []int64) string {
	var b strings.Builder
	b.Grow(len(ids) * 8)
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte(']')
	return b.String()
}
