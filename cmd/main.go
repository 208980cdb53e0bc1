package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/bootstrap"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/literature"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/realtime"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/routes"
	"clinical-kb-platform/services"
)

func fatal(msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fatal("failed to load config", err)
	}
	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg, "api")
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
		fatal("failed to open infrastructure", err)
	}
	defer inf.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := inf.StartInvalidation(ctx); err != nil {
		logger.Warn("cache invalidation bus unavailable", "error", err)
	}

	embedder, err := inf.Embedder(ctx)
	if err != nil {
		fatal("failed to build embedder", err)
	}
	index, err := inf.VectorIndex(ctx)
	if err != nil {
		fatal("failed to open vector index", err)
	}
	localModel, remoteModel, err := inf.Models(ctx)
	if err != nil {
		fatal("failed to build language models", err)
	}

	// Services
	supervisor := services.NewIndexingSupervisor(inf.Store, embedder, index, cfg.EmbedBatchSize, metrics)
	enqueuer, err := inf.Enqueuer(supervisor)
	if err != nil {
		fatal("failed to build job enqueuer", err)
	}
	lit := literature.NewPubMedClient(cfg.LiteratureURL, cfg.LiteratureAPIKey, cfg.LiteratureTimeout, metrics)

	ingest := services.NewIngestionService(cfg, inf.Store, index, enqueuer, inf.Cache, inf.Audit)
	docs := services.NewDocumentService(inf.Store, index, inf.Cache, inf.Audit)
	search := services.NewSearchAggregator(cfg, inf.Store, embedder, index, lit, inf.Cache, metrics)
	modelRouter := services.NewModelRouter(localModel, remoteModel, inf.Quota(), inf.Audit, metrics)
	flags := services.NewFlagService(cfg, inf.Store, inf.Cache, inf.Audit)
	convs := services.NewConversationService(inf.Store, inf.Audit)
	orch := services.NewOrchestrator(cfg, search, modelRouter, flags, convs, metrics)
	jobs := services.NewJobService(inf.Store, enqueuer, inf.Audit)

	// Without a worker process the sweeper runs here.
	if inf.Redis == nil {
		sweeper := services.NewSweeper(cfg, inf.Store, enqueuer)
		if err := sweeper.Start(); err != nil {
			fatal("failed to start sweeper", err)
		}
		defer sweeper.Stop()
	}

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.CORSMiddlewareWithOrigins(cfg.CORSOrigins))
	router.Use(middleware.RateLimitMiddleware(inf.Redis, cfg))

	authMiddleware := middleware.NewAuthMiddleware(cfg, inf.Redis)
	roleMiddleware := middleware.NewRoleMiddleware()
	ws := realtime.NewHandler(orch, realtime.Options{AllowedOrigins: cfg.CORSOrigins})
	kb := routes.NewKBHandlers(cfg, ingest, docs, search, flags, orch)

	checks := map[string]routes.HealthCheck{
		"mongo": func(ctx context.Context) error { return inf.Mongo.Ping(ctx, nil) },
	}
	if inf.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return inf.Redis.Ping(ctx).Err() }
	}

	// Setup routes
	routes.SetupHealthRoutes(router, cfg.ServiceName, cfg.HealthTimeout, checks, ws)
	routes.SetupDocumentRoutes(router, cfg, ingest, docs, authMiddleware)
	routes.SetupKBRoutes(router, cfg, kb, authMiddleware)
	routes.SetupSessionRoutes(router, convs, authMiddleware)
	routes.SetupAdminRoutes(router, cfg, kb, jobs, flags, inf.Audit, authMiddleware, roleMiddleware)
	routes.SetupRealtimeRoutes(router, ws, authMiddleware)

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "vector_backend", cfg.VectorBackend, "remote_model", remoteModel != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	// Graceful shutdown with timeout. Websocket connections are hijacked
	// and not tracked by Shutdown; they end when the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server exited")
}
