package sqlite

import (
	"context"
	"encoding/json"
	"time"
)

// GetCachedEmbedding returns a cached embedding by content hash.
func (s *Store) GetCachedEmbedding(ctx context.Context, hash, provider, model string) ([]float32, bool) {
	var embJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE hash = ? AND provider = ? AND model = ?`,
		hash, provider, model).Scan(&embJSON)
	if err != nil {
		return nil, false
	}

	var emb []float32
	if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
		return nil, false
	}
	return emb, true
}

// CacheEmbedding stores an embedding in the cache.
func (s *Store) CacheEmbedding(ctx context.Context, hash, provider, model string, vec []float32) error {
	embJSON, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO embedding_cache (hash, provider, model, dims, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		hash, provider, model, len(vec), string(embJSON), time.Now().UnixMilli())
	return err
}
