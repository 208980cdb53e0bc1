package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// LocalTier is the process-local L1. Entries carry their own expiry so a
// namespace can use a TTL shorter than the LRU's ceiling.
type LocalTier struct {
	lru *expirable.LRU[string, localEntry]

	mu          sync.RWMutex
	generations map[string]uint64
	now         func() time.Time
}

func NewLocalTier(size int, maxTTL time.Duration) *LocalTier {
	if size <= 0 {
		size = 1024
	}
	return &LocalTier{
		lru:         expirable.NewLRU[string, localEntry](size, nil, maxTTL),
		generations: map[string]uint64{},
		now:         time.Now,
	}
}

func (t *LocalTier) Name() string { return "l1" }

func (t *LocalTier) key(namespace, key string) string {
	t.mu.RLock()
	gen := t.generations[namespace]
	t.mu.RUnlock()
	return namespace + ":" + strconv.FormatUint(gen, 10) + ":" + key
}

func (t *LocalTier) Get(_ context.Context, namespace, key string) ([]byte, error) {
	k := t.key(namespace, key)
	e, ok := t.lru.Get(k)
	if !ok {
		return nil, ErrMiss
	}
	if !t.now().Before(e.expiresAt) {
		t.lru.Remove(k)
		return nil, ErrMiss
	}
	return e.value, nil
}

func (t *LocalTier) Set(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	t.lru.Add(t.key(namespace, key), localEntry{value: cp, expiresAt: t.now().Add(ttl)})
	return nil
}

func (t *LocalTier) Delete(_ context.Context, namespace, key string) error {
	t.lru.Remove(t.key(namespace, key))
	return nil
}

// InvalidateNamespace bumps the namespace generation; stale entries age out
// of the LRU on their own.
func (t *LocalTier) InvalidateNamespace(_ context.Context, namespace string) error {
	t.mu.Lock()
	t.generations[namespace]++
	t.mu.Unlock()
	return nil
}
