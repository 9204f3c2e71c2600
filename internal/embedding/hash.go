package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/nextlevelbuilder/memlens/internal/store"
	"github.com/nextlevelbuilder/memlens/internal/vecmath"
)

// HashProvider is a deterministic, offline embedder: each token (and token
// bigram) is hashed into a signed bucket, then the vector is L2-normalized.
// Texts sharing words get a positive cosine. It stands in when no embedding
// API is configured and keeps tests free of network calls.
type HashProvider struct {
	dims int
}

var _ store.EmbeddingProvider = (*HashProvider)(nil)

func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 384
	}
	return &HashProvider{dims: dims}
}

func (p *HashProvider) Name() string  { return "hash" }
func (p *HashProvider) Model() string { return "fnv-bag-of-words" }

func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embedOne(t)
	}
	return out, nil
}

func (p *HashProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dims)
	tokens := strings.FieldsFunc(store.FoldText(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	add := func(feature string, weight float32) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		bucket := int(sum % uint64(p.dims))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[bucket] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}
	return vecmath.Normalize(vec)
}
