package store

import (
	"context"
	"time"
)

// RecordStore is the canonical activity log. Count, List and Candidates
// all derive their WHERE clause from the same Filter.
type RecordStore interface {
	// Insert stores a new record and returns its assigned id.
	Insert(ctx context.Context, rec ActivityRecord) (int64, error)
	// UpdateText replaces the text of a record (nil clears it).
	UpdateText(ctx context.Context, id int64, text *string) error
	Get(ctx context.Context, id int64) (*ActivityRecord, error)
	// GetMany returns the records for ids in the order given, skipping ids that no longer exist.
	GetMany(ctx context.Context, ids []int64) ([]ActivityRecord, error)
	Delete(ctx context.Context, id int64) error
	// DeleteOlderThan purges records with timestamp < cutoff. Derived index
	// rows go with them through the schema's cascade.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (CleanupStats, error)

	Count(ctx context.Context, f Filter) (int, error)
	// List returns filtered records ordered by timestamp desc, id desc.
	List(ctx context.Context, f Filter, limit, offset int) ([]ActivityRecord, error)
	// Candidates returns every filtered (id, timestamp) pair ordered like List.
	Candidates(ctx context.Context, f Filter) ([]Candidate, error)

	FindByFingerprint(ctx context.Context, fingerprint string, limit int) ([]ActivityRecord, error)
	Stats(ctx context.Context) (Stats, error)

	// Scan pages through all records in id order, for rebuilds.
	Scan(ctx context.Context, afterID int64, limit int) ([]ActivityRecord, error)
	// RecordIDs reports which of ids still exist.
	RecordIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// IndexStateStore tracks derived-index progress per record.
type IndexStateStore interface {
	// PendingIndex returns ids whose text revision is ahead of the indexed revision.
	PendingIndex(ctx context.Context, limit int) ([]int64, error)
	// PendingVectors returns ids whose embedding failed fewer than maxAttempts times.
	PendingVectors(ctx context.Context, maxAttempts, limit int) ([]int64, error)
	GetIndexState(ctx context.Context, id int64) (*IndexState, error)
	PutIndexState(ctx context.Context, st IndexState) error
	ResetIndexState(ctx context.Context) error
}

// TextIndex is an inverted index over record text with BM25-family scoring.
// A nil candidates slice means unrestricted; an empty one matches nothing.
type TextIndex interface {
	Name() string
	Index(ctx context.Context, rec ActivityRecord) error
	// Reindex atomically replaces the entry; old tokens stop matching immediately.
	Reindex(ctx context.Context, rec ActivityRecord) error
	Remove(ctx context.Context, id int64) error
	Search(ctx context.Context, term string, candidates []int64, limit int) ([]ScoredID, error)
	IDs(ctx context.Context) ([]int64, error)
	Clear(ctx context.Context) error
	Close() error
}

// VectorIndex stores at most one embedding per record and ranks by cosine similarity.
type VectorIndex interface {
	Upsert(ctx context.Context, id int64, model string, vec []float32) error
	Remove(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) ([]float32, error)
	// Search compares only against candidates when non-nil.
	Search(ctx context.Context, query []float32, candidates []int64, limit int) ([]ScoredID, error)
	IDs(ctx context.Context) ([]int64, error)
	Clear(ctx context.Context) error
}

// EmbeddingProvider generates vector embeddings for text.
type EmbeddingProvider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingCache persists record embeddings by content hash.
type EmbeddingCache interface {
	GetCachedEmbedding(ctx context.Context, hash, provider, model string) ([]float32, bool)
	CacheEmbedding(ctx context.Context, hash, provider, model string, vec []float32) error
}

// ChangeKind classifies a record mutation.
type ChangeKind string

const (
	ChangeInserted    ChangeKind = "inserted"
	ChangeTextUpdated ChangeKind = "text_updated"
	ChangeDeleted     ChangeKind = "deleted"
)

// Notifier receives record mutations after they commit. Implementations
// must not block the writer.
type Notifier interface {
	RecordChanged(kind ChangeKind, ids ...int64)
}
