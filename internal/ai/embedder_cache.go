package ai

import (
	"context"
	"encoding/json"

	"clinical-kb-platform/internal/cache"
)

// CachedEmbedder memoises vectors per text in the embeddings namespace.
// Only misses are sent to the wrapped embedder, in one batch.
type CachedEmbedder struct {
	inner Embedder
	cache cache.Tier
}

func NewCachedEmbedder(inner Embedder, c cache.Tier) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: c}
}

func (c *CachedEmbedder) Name() string   { return c.inner.Name() }
func (c *CachedEmbedder) Local() bool    { return c.inner.Local() }
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		keys[i] = cache.Key(c.inner.Name(), t)
		if raw, err := c.cache.Get(ctx, cache.NamespaceEmbeddings, keys[i]); err == nil {
			var v []float32
			if json.Unmarshal(raw, &v) == nil && len(v) > 0 {
				out[i] = v
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, v := range vecs {
		i := missingIdx[j]
		out[i] = v
		if raw, err := json.Marshal(v); err == nil {
			_ = c.cache.Set(ctx, cache.NamespaceEmbeddings, keys[i], raw, 0)
		}
	}
	return out, nil
}
