// Package embedding turns text into vectors for the vector index. Providers
// are swappable by config; Service adds caching, rate limiting, request
// coalescing and dimension adaptation on top of whichever one is selected.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/internal/vecmath"
)

// Options tunes a Service. Zero values select the defaults noted per field.
type Options struct {
	Dims          int           // output size; vectors are adapted to it (0 = keep provider size)
	MaxTokens     int           // input truncation budget (0 = off)
	RatePerMinute int           // provider call budget (0 = unlimited)
	CacheSize     int           // query-embedding LRU entries (default 1024)
	CacheTTL      time.Duration // query-embedding LRU TTL (default 10m)
	Timeout       time.Duration // per provider call (default 15s)
}

// Service is the embedding front used by the indexer and the search engine.
// It satisfies store.EmbeddingProvider.
type Service struct {
	provider store.EmbeddingProvider
	cache    store.EmbeddingCache
	opts     Options

	limiter  *rate.Limiter
	queries  *expirable.LRU[string, []float32]
	inflight singleflight.Group
	trunc    *Truncator
}

var _ store.EmbeddingProvider = (*Service)(nil)

// NewService wraps provider. cache may be nil.
func NewService(provider store.EmbeddingProvider, cache store.EmbeddingCache, opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerMinute > 0 {
		limit = rate.Limit(float64(opts.RatePerMinute) / 60.0)
	}
	return &Service{
		provider: provider,
		cache:    cache,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, max(1, opts.RatePerMinute/10)),
		queries:  expirable.NewLRU[string, []float32](opts.CacheSize, nil, opts.CacheTTL),
		trunc:    NewTruncator(opts.MaxTokens),
	}
}

func (s *Service) Name() string  { return s.provider.Name() }
func (s *Service) Model() string { return s.provider.Model() }

// Dims is the configured output size (0 when vectors keep the provider size).
func (s *Service) Dims() int { return s.opts.Dims }

// Embed returns one vector per text, consulting the persistent cache first
// and sending only the misses to the provider in a single batch.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	hashes := make([]string, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		t = s.trunc.Truncate(t)
		hashes[i] = contentHash(t)
		if s.cache != nil {
			if vec, ok := s.cache.GetCachedEmbedding(ctx, hashes[i], s.provider.Name(), s.provider.Model()); ok {
				out[i] = s.adapt(vec)
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := s.call(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		vec := s.adapt(vecs[j])
		out[i] = vec
		if s.cache != nil {
			if err := s.cache.CacheEmbedding(ctx, hashes[i], s.provider.Name(), s.provider.Model(), vec); err != nil {
				slog.Debug("embedding.cache.write_failed", "error", err)
			}
		}
	}
	return out, nil
}

// EmbedQuery embeds a single search query. Identical concurrent queries
// share one provider call, and results stay in an in-memory LRU. Waiting
// callers return as soon as their own ctx is done even if the shared call
// is still running.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	text = s.trunc.Truncate(text)
	key := contentHash(text)
	if vec, ok := s.queries.Get(key); ok {
		return vec, nil
	}

	ch := s.inflight.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		vecs, err := s.call(callCtx, []string{text})
		if err != nil {
			return nil, err
		}
		vec := s.adapt(vecs[0])
		s.queries.Add(key, vec)
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, store.ExternalCall("embed query", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, store.ExternalCall("embedding rate limit", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	vecs, err := s.provider.Embed(ctx, texts)
	if err != nil {
		slog.Warn("embedding.call.failed",
			"provider", s.provider.Name(), "model", s.provider.Model(),
			"count", len(texts), "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, store.ExternalCall("embed", err)
	}
	if len(vecs) != len(texts) {
		return nil, store.ExternalCall("embed", fmt.Errorf("got %d vectors for %d inputs", len(vecs), len(texts)))
	}
	slog.Debug("embedding.call.ok", "provider", s.provider.Name(), "count", len(texts),
		"duration_ms", time.Since(start).Milliseconds())
	return vecs, nil
}

func (s *Service) adapt(vec []float32) []float32 {
	if s.opts.Dims > 0 && len(vec) != s.opts.Dims {
		return vecmath.Adapt(vec, s.opts.Dims)
	}
	return vec
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
