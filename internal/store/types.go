package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActivityRecord is one captured snapshot of the user's screen activity.
// Records are owned by the capture pipeline; the only field memlens ever
// writes after insert is Text (OCR completes after capture).
type ActivityRecord struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	AppName     string    `json:"app_name"`
	WindowTitle string    `json:"window_title"`
	Text        *string   `json:"text,omitempty"`
	Fingerprint *string   `json:"fingerprint,omitempty"`
	Rev         int64     `json:"-"`
}

// HasText reports whether the record carries non-blank text.
func (r ActivityRecord) HasText() bool {
	return r.Text != nil && strings.TrimSpace(*r.Text) != ""
}

// TextValue returns the record text or "" when absent.
func (r ActivityRecord) TextValue() string {
	if r.Text == nil {
		return ""
	}
	return *r.Text
}

// TimeRange is a half-open window [From, To). Zero bounds are open.
type TimeRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// IsZero reports whether neither bound is set.
func (tr TimeRange) IsZero() bool {
	return tr.From.IsZero() && tr.To.IsZero()
}

// Filter holds the metadata filters that define a candidate set.
// It is the single filter definition shared by count, list and candidate queries.
type Filter struct {
	AppName   string     `json:"app_name,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
	HasText   *bool      `json:"has_text,omitempty"`
}

// Candidate is a record that survived metadata filtering.
type Candidate struct {
	ID        int64
	Timestamp time.Time
}

// ScoredID is an index hit. Score semantics depend on the index:
// BM25-family relevance (> 0) for text, cosine similarity for vectors.
type ScoredID struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// Vector status values stored in index_state.
const (
	VectorOK      = "ok"
	VectorFailed  = "failed"
	VectorSkipped = "skipped"
	VectorPending = "pending"
)

// IndexState tracks which text revision the derived indexes reflect.
type IndexState struct {
	ActivityID   int64     `json:"activity_id"`
	Rev          int64     `json:"rev"`
	TextIndexed  bool      `json:"text_indexed"`
	VectorStatus string    `json:"vector_status"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stats summarizes the record store and its derived indexes.
type Stats struct {
	TotalRecords    int       `json:"total_records"`
	RecordsWithText int       `json:"records_with_text"`
	TextIndexed     int       `json:"text_indexed"`
	VectorEntries   int       `json:"vector_entries"`
	VectorFailed    int       `json:"vector_failed"`
	Oldest          time.Time `json:"oldest,omitzero"`
	Newest          time.Time `json:"newest,omitzero"`
	SpanHours       float64   `json:"span_hours"`
	TopApp          string    `json:"top_app,omitempty"`
	TopAppCount     int       `json:"top_app_count,omitempty"`
}

// CleanupStats reports what a retention pass removed (or would remove).
type CleanupStats struct {
	Cutoff        time.Time `json:"cutoff"`
	DryRun        bool      `json:"dry_run"`
	Records       int       `json:"records"`
	VectorEntries int       `json:"vector_entries"`
	TextEntries   int       `json:"text_entries"`
}

// NewJobID returns a time-ordered identifier for maintenance jobs and requests.
func NewJobID() string {
	return uuid.Must(uuid.NewV7()).String()
}
