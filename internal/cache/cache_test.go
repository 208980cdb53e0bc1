package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapTier is a trivial Tier used to observe the layered read path.
type mapTier struct {
	name string
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMapTier(name string) *mapTier {
	return &mapTier{name: name, data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *mapTier) Name() string { return m.name }

func (m *mapTier) Get(_ context.Context, ns, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns+"/"+key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (m *mapTier) Set(_ context.Context, ns, key string, v []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ns+"/"+key] = v
	m.ttls[ns+"/"+key] = ttl
	return nil
}

func (m *mapTier) Delete(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ns+"/"+key)
	return nil
}

func (m *mapTier) InvalidateNamespace(_ context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if len(k) > len(ns) && k[:len(ns)+1] == ns+"/" {
			delete(m.data, k)
		}
	}
	return nil
}

type countingRecorder struct {
	hits, misses map[string]int
}

func (r *countingRecorder) RecordCacheLookup(_ context.Context, tier, _ string, hit bool) {
	if hit {
		r.hits[tier]++
	} else {
		r.misses[tier]++
	}
}

func TestLayeredBackfillsFasterTiers(t *testing.T) {
	ctx := context.Background()
	l1, l2, l3 := newMapTier("l1"), newMapTier("l2"), newMapTier("l3")
	rec := &countingRecorder{hits: map[string]int{}, misses: map[string]int{}}
	c := NewLayered([]Tier{l1, l2, l3}, []time.Duration{time.Minute, 5 * time.Minute, time.Hour}, WithRecorder(rec))

	require.NoError(t, l3.Set(ctx, NamespaceFlags, "rag_strategy", []byte(`"hybrid"`), time.Hour))

	v, err := c.Get(ctx, NamespaceFlags, "rag_strategy")
	require.NoError(t, err)
	assert.Equal(t, `"hybrid"`, string(v))
	assert.Equal(t, 1, rec.hits["l3"])
	assert.Equal(t, 1, rec.misses["l1"])

	_, err = l1.Get(ctx, NamespaceFlags, "rag_strategy")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, l1.ttls[NamespaceFlags+"/rag_strategy"])
	assert.Equal(t, 5*time.Minute, l2.ttls[NamespaceFlags+"/rag_strategy"])

	_, err = c.Get(ctx, NamespaceFlags, "rag_strategy")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.hits["l1"])
}

func TestLayeredNamespacePolicyAndInvalidate(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newMapTier("l1"), newMapTier("l2")
	c := NewLayered([]Tier{l1, l2}, []time.Duration{time.Minute, 5 * time.Minute},
		WithNamespaceTTL(NamespaceEmbeddings, 10*time.Minute, 24*time.Hour))

	require.NoError(t, c.Set(ctx, NamespaceEmbeddings, "k", []byte("v"), 0))
	assert.Equal(t, 10*time.Minute, l1.ttls[NamespaceEmbeddings+"/k"])
	assert.Equal(t, 24*time.Hour, l2.ttls[NamespaceEmbeddings+"/k"])

	require.NoError(t, c.Set(ctx, NamespaceSearch, "q", []byte("r"), 0))
	require.NoError(t, c.InvalidateNamespace(ctx, NamespaceSearch))

	_, err := c.Get(ctx, NamespaceSearch, "q")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, NamespaceEmbeddings, "k")
	assert.NoError(t, err)
}

func TestLocalTierExpiryAndGenerations(t *testing.T) {
	ctx := context.Background()
	tier := NewLocalTier(16, time.Hour)
	now := time.Now()
	tier.now = func() time.Time { return now }

	require.NoError(t, tier.Set(ctx, NamespaceFlags, "a", []byte("1"), time.Second))
	v, err := tier.Get(ctx, NamespaceFlags, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	now = now.Add(2 * time.Second)
	_, err = tier.Get(ctx, NamespaceFlags, "a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, tier.Set(ctx, NamespaceFlags, "b", []byte("2"), time.Minute))
	require.NoError(t, tier.InvalidateNamespace(ctx, NamespaceFlags))
	_, err = tier.Get(ctx, NamespaceFlags, "b")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestKeyNormalizesOnlyQueryText(t *testing.T) {
	a := Key("owner:owner-1", NormalizeQuery("  Insulin   dosing "), "cat")
	b := Key("owner:owner-1", NormalizeQuery("insulin dosing"), "cat")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Key("owner:owner-2", NormalizeQuery("insulin dosing"), "cat"))
	assert.NotEqual(t, Key("owner:Bob", "q"), Key("owner:bob", "q"))
	assert.NotEqual(t, Key("admin", "q"), Key("owner:Admin", "q"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
}

func TestFetchLoadsOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	tier := NewLocalTier(16, time.Minute)
	c := NewLayered([]Tier{tier}, []time.Duration{time.Minute})

	calls := 0
	load := func(context.Context) ([]float32, error) {
		calls++
		return []float32{0.1, 0.2}, nil
	}
	v1, err := Fetch(ctx, c, NamespaceEmbeddings, "k", load)
	require.NoError(t, err)
	v2, err := Fetch(ctx, c, NamespaceEmbeddings, "k", load)
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)

	_, err = Fetch(ctx, c, NamespaceEmbeddings, "other", func(context.Context) ([]float32, error) {
		return nil, errors.New("provider down")
	})
	assert.Error(t, err)
}
