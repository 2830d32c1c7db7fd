package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdul-hamid-achik/job-queue/pkg/broker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/vidcore/internal/api"
	"github.com/abdul-hamid-achik/vidcore/internal/cache"
	"github.com/abdul-hamid-achik/vidcore/internal/chunkindex"
	"github.com/abdul-hamid-achik/vidcore/internal/config"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
	"github.com/abdul-hamid-achik/vidcore/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.Default()

	log.Info("configuration loaded")

	ctx := context.Background()

	if cfg.TracingEnabled {
		shutdownTracing, err := tracing.Init(ctx, &tracing.Config{
			ServiceName:    "api",
			ServiceVersion: "1.0.0",
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			Enabled:        true,
			SampleRate:     cfg.TraceSampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() { _ = shutdownTracing(ctx) }()
		log.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.TraceSampleRate)
	}

	log.Info("connecting to database")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info("database connected")

	log.Info("connecting to object storage")
	storageCfg := &storage.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
		Region:    cfg.MinIORegion,
	}
	blobs, err := storage.NewMinIOStorage(storageCfg)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}
	log.Info("object storage connected")

	log.Info("connecting to redis")
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := broker.NewRedisStreamsBroker(redisClient)
	log.Info("broker initialized")

	store := db.NewStore(pool)

	metrics.SetAppInfo("1.0.0", cfg.Environment, "api")

	instrumentedBlobs := metrics.NewInstrumentedStorage(blobs)
	enqueuer := queue.NewBrokerEnqueuer(b)

	index := chunkindex.New(redisClient, cfg.SessionTTL)
	sessions := session.NewManager(store, index, instrumentedBlobs,
		cfg.MaxFileSize, cfg.MaxChunkSize, cfg.SessionTTL)

	videoCache := cache.New(redisClient)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	apiRouter := api.NewRouter(&api.Config{
		Storage:         instrumentedBlobs,
		Store:           store,
		Sessions:        sessions,
		Enqueuer:        enqueuer,
		Cache:           videoCache,
		JWTSecret:       cfg.JWTSecret,
		MaxChunkSize:    cfg.MaxChunkSize,
		ChunkRateLimit:  cfg.ChunkRateLimit,
		ChunkRateWindow: cfg.ChunkRateWindow,
		Pool:            pool,
		RedisClient:     redisClient,
	})
	mux.Handle("/", apiRouter)

	var handler http.Handler = mux
	if cfg.TracingEnabled {
		handler = tracing.HTTPMiddleware("api")(handler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)

	go func() {
		log.Info("server starting", "port", cfg.Port, "url", fmt.Sprintf("http://localhost:%d", cfg.Port))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return fmt.Errorf("forced shutdown: %w", err)
		}
	}

	log.Info("server stopped gracefully")
	return nil
}
