package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is brute-force cosine search for tests and single-node runs.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]*Point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: map[string]*Point{}}
}

func (m *MemoryIndex) EnsureCollection(context.Context) error { return nil }

func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range points {
		p := points[i]
		p.Vector = append([]float32(nil), p.Vector...)
		m.points[p.ChunkID] = &p
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vector []float32, topK int, filter Filter) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.points))
	for _, p := range m.points {
		if !filter.allows(p) {
			continue
		}
		hits = append(hits, Hit{ChunkID: p.ChunkID, DocumentID: p.DocumentID, Score: Cosine(vector, p.Vector)})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *MemoryIndex) MarkSuperseded(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.points {
		if p.DocumentID == documentID {
			p.Superseded = true
		}
	}
	return nil
}

func (m *MemoryIndex) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.DocumentID == documentID {
			delete(m.points, id)
		}
	}
	return nil
}

// Len is the number of stored points.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Cosine returns 0 for mismatched or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
