// Package cache implements the three cache tiers and the layered read path
// over them. Caches are never authoritative: every caller must tolerate a
// stale or absent value.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	NamespaceEmbeddings = "embeddings"
	NamespaceSearch     = "search"
	NamespaceFlags      = "flags"
)

var ErrMiss = errors.New("cache: miss")

// Tier is one cache layer. Get returns ErrMiss when the key is absent or
// expired.
type Tier interface {
	Name() string
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
	InvalidateNamespace(ctx context.Context, namespace string) error
}

// Recorder receives hit/miss observations. *telemetry.Metrics satisfies it.
type Recorder interface {
	RecordCacheLookup(ctx context.Context, tier, namespace string, hit bool)
}

// Key hashes parts into a fixed-length key. Parts are taken verbatim; run
// free text through NormalizeQuery first.
func Key(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery folds case and whitespace so trivially different spellings
// of a query share a key.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// Fetch returns the cached value for key or loads, stores and returns it.
// A corrupt cached value is treated as a miss.
func Fetch[T any](ctx context.Context, c Tier, namespace, key string, load func(context.Context) (T, error)) (T, error) {
	if c != nil {
		if raw, err := c.Get(ctx, namespace, key); err == nil {
			var v T
			if json.Unmarshal(raw, &v) == nil {
				return v, nil
			}
		}
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		if raw, mErr := json.Marshal(v); mErr == nil {
			_ = c.Set(ctx, namespace, key, raw, 0)
		}
	}
	return v, nil
}
