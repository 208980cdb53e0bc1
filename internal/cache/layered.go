package cache

import (
	"context"
	"errors"
	"time"

	"clinical-kb-platform/internal/logger"
)

// Layered reads tiers in order, back-filling faster tiers on a hit, and
// writes through to every tier. It satisfies Tier itself so callers never
// know which layer answered.
type Layered struct {
	tiers    []Tier
	defaults []time.Duration
	policy   map[string][]time.Duration
	recorder Recorder
	bus      *Bus
}

type Option func(*Layered)

// WithNamespaceTTL overrides per-tier TTLs for one namespace. Missing
// entries fall back to the tier defaults.
func WithNamespaceTTL(namespace string, ttls ...time.Duration) Option {
	return func(l *Layered) { l.policy[namespace] = ttls }
}

func WithRecorder(r Recorder) Option {
	return func(l *Layered) { l.recorder = r }
}

// WithBus publishes namespace invalidations to other processes.
func WithBus(b *Bus) Option {
	return func(l *Layered) { l.bus = b }
}

// NewLayered builds a layered cache. defaults[i] is the TTL for tiers[i].
func NewLayered(tiers []Tier, defaults []time.Duration, opts ...Option) *Layered {
	l := &Layered{
		tiers:    tiers,
		defaults: defaults,
		policy:   map[string][]time.Duration{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layered) Name() string { return "layered" }

func (l *Layered) ttl(namespace string, tier int) time.Duration {
	if p, ok := l.policy[namespace]; ok && tier < len(p) && p[tier] > 0 {
		return p[tier]
	}
	if tier < len(l.defaults) {
		return l.defaults[tier]
	}
	return time.Minute
}

func (l *Layered) record(ctx context.Context, tier, namespace string, hit bool) {
	if l.recorder != nil {
		l.recorder.RecordCacheLookup(ctx, tier, namespace, hit)
	}
}

func (l *Layered) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	for i, t := range l.tiers {
		v, err := t.Get(ctx, namespace, key)
		if err != nil {
			if !errors.Is(err, ErrMiss) {
				logger.Warn("cache tier read failed", "tier", t.Name(), "namespace", namespace, "error", err)
			}
			l.record(ctx, t.Name(), namespace, false)
			continue
		}
		l.record(ctx, t.Name(), namespace, true)
		for j := 0; j < i; j++ {
			if err := l.tiers[j].Set(ctx, namespace, key, v, l.ttl(namespace, j)); err != nil {
				logger.Debug("cache backfill failed", "tier", l.tiers[j].Name(), "error", err)
			}
		}
		return v, nil
	}
	return nil, ErrMiss
}

// Set writes every tier. A ttl of zero applies the namespace policy; a
// positive ttl caps each tier's policy TTL.
func (l *Layered) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	var errs []error
	for i, t := range l.tiers {
		d := l.ttl(namespace, i)
		if ttl > 0 && ttl < d {
			d = ttl
		}
		if err := t.Set(ctx, namespace, key, value, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Layered) Delete(ctx context.Context, namespace, key string) error {
	var errs []error
	for _, t := range l.tiers {
		if err := t.Delete(ctx, namespace, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateNamespace clears the namespace in every tier and tells peer
// processes to drop their local copies.
func (l *Layered) InvalidateNamespace(ctx context.Context, namespace string) error {
	var errs []error
	for _, t := range l.tiers {
		if err := t.InvalidateNamespace(ctx, namespace); err != nil {
			errs = append(errs, err)
		}
	}
	if l.bus != nil {
		if err := l.bus.Publish(ctx, namespace); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
