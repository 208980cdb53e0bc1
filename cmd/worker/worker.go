package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"clinical-kb-platform/internal/bootstrap"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/queue"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/services"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.InitLogger(cfg)
	if cfg.RedisURL == "" {
		logger.Error("the indexing worker needs REDIS_URL; without it the API indexes in process")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracer(cfg, "worker")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracer = func() {}
	}
	defer shutdownTracer()
	metrics, err := telemetry.InitMetrics()
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
	}

	inf, err := bootstrap.Open(cfg, metrics)
	if err != nil {
		logger.Error("failed to open infrastructure", "error", err)
		os.Exit(1)
	}
	defer inf.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder, err := inf.Embedder(ctx)
	if err != nil {
		logger.Error("failed to build embedder", "error", err)
		os.Exit(1)
	}
	index, err := inf.VectorIndex(ctx)
	if err != nil {
		logger.Error("failed to open vector index", "error", err)
		os.Exit(1)
	}
	supervisor := services.NewIndexingSupervisor(inf.Store, embedder, index, cfg.EmbedBatchSize, metrics)
	enqueuer, err := inf.Enqueuer(supervisor)
	if err != nil {
		logger.Error("failed to build job enqueuer", "error", err)
		os.Exit(1)
	}

	// The sweeper re-enqueues jobs whose task was lost and purges expired
	// clinical contexts.
	sweeper := services.NewSweeper(cfg, inf.Store, enqueuer)
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	redisOpt, err := config.AsynqRedisOpt(cfg)
	if err != nil {
		logger.Error("invalid redis settings", "error", err)
		os.Exit(1)
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{queue.QueueIndexing: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return time.Duration(1<<min(n, 6)) * 5 * time.Second
		},
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			if errors.Is(err, asynq.SkipRetry) {
				return
			}
			logger.Warn("indexing task failed", "type", task.Type(), "error", err)
		}),
	})

	processor := queue.NewProcessor(supervisor)
	mux := asynq.NewServeMux()
	processor.Register(mux)

	logger.Info("indexing worker starting",
		"concurrency", cfg.WorkerConcurrency,
		"queue", queue.QueueIndexing,
		"sweep_interval", cfg.SweepInterval)

	if err := server.Start(mux); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()
	logger.Info("shutting down worker")
	server.Shutdown()
}
