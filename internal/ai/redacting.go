package ai

import (
	"context"

	"clinical-kb-platform/internal/phi"
)

// RedactingEmbedder strips PHI from texts before they reach an embedder
// outside the trust boundary. Local embedders see the original text.
type RedactingEmbedder struct {
	inner Embedder
}

func NewRedactingEmbedder(inner Embedder) *RedactingEmbedder {
	return &RedactingEmbedder{inner: inner}
}

func (r *RedactingEmbedder) Name() string   { return r.inner.Name() }
func (r *RedactingEmbedder) Local() bool    { return r.inner.Local() }
func (r *RedactingEmbedder) Dimension() int { return r.inner.Dimension() }

func (r *RedactingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if r.inner.Local() {
		return r.inner.Embed(ctx, texts)
	}
	safe := make([]string, len(texts))
	for i, t := range texts {
		v := phi.Classify(t)
		if v.ContainsPHI {
			t = phi.Redact(t, v.Entities)
		}
		safe[i] = t
	}
	return r.inner.Embed(ctx, safe)
}
