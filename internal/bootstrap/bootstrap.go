// Package bootstrap builds the infrastructure shared by the API server, the
// indexing worker and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"clinical-kb-platform/internal/ai"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/cache"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/queue"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/internal/vector"
)

// Infra holds long-lived connections. Redis is nil in the single-node
// profile (REDIS_URL empty).
type Infra struct {
	Config  *config.Config
	Mongo   *mongo.Client
	Store   *database.MongoStore
	Redis   *redis.Client
	Cache   cache.Tier
	Metrics *telemetry.Metrics
	Audit   *audit.Logger

	local   *cache.LocalTier
	bus     *cache.Bus
	closers []func()
}

// Open connects Mongo and, when configured, Redis, and builds the layered
// cache. Close releases everything Open and later builders acquired.
func Open(cfg *config.Config, metrics *telemetry.Metrics) (*Infra, error) {
	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		return nil, err
	}
	inf := &Infra{
		Config:  cfg,
		Mongo:   client,
		Store:   database.NewMongoStore(client, cfg.DBName),
		Metrics: metrics,
	}
	inf.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	})

	if cfg.RedisURL != "" {
		rdb, err := config.NewRedisClient(cfg)
		if err != nil {
			inf.Close()
			return nil, err
		}
		inf.Redis = rdb
		inf.onClose(func() { _ = rdb.Close() })
	} else {
		logger.Warn("REDIS_URL not set; running without shared cache, rate limiting or queue")
	}

	inf.local = cache.NewLocalTier(cfg.CacheL1Size, cfg.CacheL1TTL)
	tiers := []cache.Tier{inf.local}
	ttls := []time.Duration{cfg.CacheL1TTL}
	var opts []cache.Option
	if inf.Redis != nil {
		tiers = append(tiers, cache.NewRedisTier(inf.Redis, "kb"))
		ttls = append(ttls, cfg.CacheL2TTL)
		inf.bus = cache.NewBus(inf.Redis)
		opts = append(opts, cache.WithBus(inf.bus))
	}
	tiers = append(tiers, cache.NewMongoTier(inf.Store.Database()))
	ttls = append(ttls, cfg.CacheL3TTL)
	if metrics != nil {
		opts = append(opts, cache.WithRecorder(metrics))
	}
	inf.Cache = cache.NewLayered(tiers, ttls, opts...)

	inf.Audit = audit.NewLogger(inf.Store, metrics)
	inf.Audit.Start(0)
	inf.onClose(inf.Audit.Close)
	return inf, nil
}

func (i *Infra) onClose(f func()) { i.closers = append(i.closers, f) }

// Close runs the registered closers in reverse order.
func (i *Infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
	i.closers = nil
}

// StartInvalidation forwards other processes' namespace invalidations into
// the local tier until ctx ends. It is a no-op without Redis.
func (i *Infra) StartInvalidation(ctx context.Context) error {
	if i.bus == nil {
		return nil
	}
	return i.bus.StartForwarder(ctx, i.local)
}

// Embedder returns the configured provider behind PHI redaction and the
// embeddings cache.
func (i *Infra) Embedder(ctx context.Context) (ai.Embedder, error) {
	cfg := i.Config
	var base ai.Embedder
	switch cfg.EmbeddingsProvider {
	case "local":
		base = ai.NewLocalEmbedder(cfg.LocalModelURL, cfg.LocalEmbeddingsModel, cfg.VectorDimensions, nil)
	case "google", "":
		g, err := ai.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.GoogleEmbeddingsModel)
		if err != nil {
			return nil, fmt.Errorf("gemini embedder: %w", err)
		}
		i.onClose(func() { _ = g.Close() })
		base = g
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.EmbeddingsProvider)
	}
	return ai.NewCachedEmbedder(ai.NewRedactingEmbedder(base), i.Cache), nil
}

// VectorIndex opens the configured backend and makes sure its collection
// exists.
func (i *Infra) VectorIndex(ctx context.Context) (vector.Index, error) {
	index, err := vector.Open(i.Config, i.Store.Database())
	if err != nil {
		return nil, err
	}
	if err := index.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("vector collection: %w", err)
	}
	return index, nil
}

// Enqueuer returns the asynq producer, or an in-process runner when Redis
// is not configured. supervisor is only used by the in-process runner.
func (i *Infra) Enqueuer(supervisor queue.Supervisor) (queue.JobEnqueuer, error) {
	if i.Redis == nil {
		return &queue.InlineEnqueuer{Supervisor: supervisor, Timeout: i.Config.IndexingTaskTimeout}, nil
	}
	opt, err := config.AsynqRedisOpt(i.Config)
	if err != nil {
		return nil, err
	}
	client := asynq.NewClient(opt)
	i.onClose(func() { _ = client.Close() })
	return queue.NewAsynqEnqueuer(client, i.Config.IndexingTaskTimeout), nil
}

// Models returns the local model and, when enabled, the remote one. remote
// is a nil interface when disabled so the router treats it as absent.
func (i *Infra) Models(ctx context.Context) (local, remote ai.LanguageModel, err error) {
	cfg := i.Config
	local = ai.NewLocalModel(cfg.LocalModelURL, cfg.LocalModelName, cfg.LocalModelTimeout, nil)
	if !cfg.RemoteEnabled {
		return local, nil, nil
	}
	g, err := ai.NewGeminiModel(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTier, i.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini model: %w", err)
	}
	i.onClose(func() { _ = g.Close() })
	return local, g, nil
}

// Quota is the per-owner remote token budget, or nil when uncapped.
func (i *Infra) Quota() ai.Quota {
	if i.Config.RemoteDailyTokens <= 0 {
		return nil
	}
	return ai.NewMongoQuota(i.Store.Database(), i.Config.RemoteDailyTokens)
}
