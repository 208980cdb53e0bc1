package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"clinical-kb-platform/internal/logger"
)

const invalidationChannel = "kb:cache:invalidate"

type invalidation struct {
	Origin    string `json:"origin"`
	Namespace string `json:"namespace"`
}

// Bus fans namespace invalidations out to every process so each can clear
// its process-local tier.
type Bus struct {
	rdb    redis.UniversalClient
	origin string
}

func NewBus(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb, origin: uuid.NewString()}
}

func (b *Bus) Publish(ctx context.Context, namespace string) error {
	raw, err := json.Marshal(invalidation{Origin: b.origin, Namespace: namespace})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, invalidationChannel, raw).Err()
}

// StartForwarder subscribes and applies remote invalidations to local until
// ctx is cancelled. Messages published by this process are skipped.
func (b *Bus) StartForwarder(ctx context.Context, local Tier) error {
	if local == nil {
		return fmt.Errorf("local tier required")
	}
	sub := b.rdb.Subscribe(ctx, invalidationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg invalidation
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					logger.Warn("bad cache invalidation payload", "error", err)
					continue
				}
				if msg.Origin == b.origin {
					continue
				}
				_ = local.InvalidateNamespace(ctx, msg.Namespace)
			}
		}
	}()
	return nil
}
