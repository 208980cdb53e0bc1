package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clinical-kb-platform/utils"
)

// RedisTier is the shared L2. Namespace invalidation increments a
// generation counter that is part of every key.
type RedisTier struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisTier(rdb redis.UniversalClient, prefix string) *RedisTier {
	if prefix == "" {
		prefix = "kb"
	}
	return &RedisTier{rdb: rdb, prefix: prefix}
}

func (t *RedisTier) Name() string { return "l2" }

func (t *RedisTier) genKey(namespace string) string {
	return fmt.Sprintf("%s:gen:%s", t.prefix, namespace)
}

func (t *RedisTier) dataKey(ctx context.Context, namespace, key string) (string, error) {
	gen, err := t.rdb.Get(ctx, t.genKey(namespace)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%d:%s", t.prefix, namespace, gen, key), nil
}

func (t *RedisTier) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	k, err := t.dataKey(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	raw, err := t.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return utils.Unpack(raw)
}

func (t *RedisTier) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	k, err := t.dataKey(ctx, namespace, key)
	if err != nil {
		return err
	}
	packed, err := utils.Pack(value)
	if err != nil {
		return err
	}
	return t.rdb.Set(ctx, k, packed, ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, namespace, key string) error {
	k, err := t.dataKey(ctx, namespace, key)
	if err != nil {
		return err
	}
	return t.rdb.Del(ctx, k).Err()
}

func (t *RedisTier) InvalidateNamespace(ctx context.Context, namespace string) error {
	return t.rdb.Incr(ctx, t.genKey(namespace)).Err()
}
