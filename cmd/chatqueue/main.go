package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/chat-queue/config"
	"github.com/vnmchuo/chat-queue/internal/api"
	"github.com/vnmchuo/chat-queue/internal/generation"
	"github.com/vnmchuo/chat-queue/internal/jobs"
	"github.com/vnmchuo/chat-queue/internal/logging"
	"github.com/vnmchuo/chat-queue/internal/provider"
	"github.com/vnmchuo/chat-queue/internal/provider/claude"
	"github.com/vnmchuo/chat-queue/internal/provider/gemini"
	"github.com/vnmchuo/chat-queue/internal/provider/ollama"
	"github.com/vnmchuo/chat-queue/internal/provider/openai"
	"github.com/vnmchuo/chat-queue/internal/telemetry"
	"github.com/vnmchuo/chat-queue/internal/usage"
	"github.com/vnmchuo/chat-queue/internal/worker"
	"github.com/vnmchuo/chat-queue/pkg/ratelimit"
)

const serviceName = "chat-queue"

var version = "dev"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, version, cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.WithError(err).Warn("failed to shutdown tracer provider")
		}
	}()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	// 4. Connect Redis
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.WithField("addr", cfg.RedisAddr).Info("Redis connected")

	// 5. Usage store, PostgreSQL when configured
	var usageStore usage.Store = usage.NopStore{}
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		pgStore := usage.NewPostgresStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("failed to prepare usage schema: %v", err)
		}
		usageStore = pgStore
		log.Info("PostgreSQL connected")
	}

	// 6. Job store and service
	store := jobs.NewRedisStore(rdb,
		jobs.WithQueueKey(cfg.QueueKey),
		jobs.WithKeyPrefix(cfg.JobKeyPrefix),
		jobs.WithTTL(cfg.JobTTL),
	)
	svc := jobs.NewService(store, store,
		jobs.WithMaxQueueDepth(cfg.MaxQueueDepth),
		jobs.WithTracer(tracer),
		jobs.WithLogger(log),
	)

	// 7. Init providers
	providers := []provider.Provider{ollama.New(cfg.OllamaHost, cfg.OllamaModels)}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(cfg.GeminiAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, claude.New(cfg.AnthropicAPIKey))
	}
	router := generation.NewRouter(providers,
		generation.WithModel(cfg.GenerationModel),
		generation.WithTracer(tracer),
	)

	// 8. Start the worker
	w := worker.New(store, store, router,
		worker.WithDequeueTimeout(cfg.DequeueTimeout),
		worker.WithErrorBackoff(cfg.ErrorBackoff),
		worker.WithGenerationTimeout(cfg.GenerationTimeout),
		worker.WithUsageStore(usageStore),
		worker.WithTracer(tracer),
		worker.WithLogger(log),
	)
	if err := w.Start(ctx); err != nil {
		log.Fatalf("failed to start worker: %v", err)
	}

	// 9. Init handler
	opts := []api.Option{
		api.WithUsageStore(usageStore),
		api.WithTracer(tracer),
		api.WithLogger(log),
		api.WithDrainMax(cfg.ProcessQueueMax),
		api.WithDrainBudget(api.DefaultDrainBudget),
		api.WithReadiness(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}
	if cfg.RateLimitPerMinute > 0 {
		opts = append(opts, api.WithLimiter(ratelimit.NewLimiter(rdb, cfg.RateLimitPerMinute)))
	}
	handler := api.NewHandler(svc, w, opts...)

	// 10. Graceful shutdown
	// A manual drain may start a job just before its budget runs out, so the
	// write timeout must cover the budget plus one full generation.
	writeTimeout := 90 * time.Second
	if need := api.DefaultDrainBudget + cfg.GenerationTimeout + 10*time.Second; need > writeTimeout {
		writeTimeout = need
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Routes(handler, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infof("chat-queue starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("forced shutdown")
	}
	if err := w.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("worker did not stop cleanly")
	}
	log.Info("Server stopped")
}
