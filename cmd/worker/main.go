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
	"github.com/abdul-hamid-achik/job-queue/pkg/middleware"
	"github.com/abdul-hamid-achik/job-queue/pkg/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/abdul-hamid-achik/vidcore/internal/cache"
	"github.com/abdul-hamid-achik/vidcore/internal/chunkindex"
	"github.com/abdul-hamid-achik/vidcore/internal/config"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/probe"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
	"github.com/abdul-hamid-achik/vidcore/internal/tracing"
	vcworker "github.com/abdul-hamid-achik/vidcore/internal/worker"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zerologger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if cfg.TracingEnabled {
		shutdownTracing, err := tracing.Init(ctx, &tracing.Config{
			ServiceName:    "worker",
			ServiceVersion: "1.0.0",
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			Enabled:        true,
			SampleRate:     cfg.TraceSampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() { _ = shutdownTracing(context.Background()) }()
		log.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
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

	b := broker.NewRedisStreamsBroker(redisClient,
		broker.WithWorkerID(fmt.Sprintf("worker-%d", os.Getpid())),
	)
	log.Info("broker initialized")

	store := db.NewStore(pool)

	metrics.SetAppInfo("1.0.0", cfg.Environment, "worker")

	instrumentedBlobs := metrics.NewInstrumentedStorage(blobs)
	enqueuer := queue.NewBrokerEnqueuer(b)
	router := queue.NewRouter(enqueuer, store, cfg.MaxRetries)

	index := chunkindex.New(redisClient, cfg.SessionTTL)
	sessions := session.NewManager(store, index, instrumentedBlobs,
		cfg.MaxFileSize, cfg.MaxChunkSize, cfg.SessionTTL)

	proberCfg := probe.DefaultConfig()
	proberCfg.Timeout = cfg.ProbeTimeout
	prober, err := probe.NewFFmpegProber(proberCfg)
	if err != nil {
		return fmt.Errorf("failed to init prober: %w", err)
	}
	log.Info("prober ready")

	deps := &vcworker.Dependencies{
		Storage:  instrumentedBlobs,
		Store:    store,
		Sessions: sessions,
		Enqueuer: enqueuer,
		Router:   router,
		Prober:   prober,
		Cache:    cache.New(redisClient),
	}

	log.Info("registering job handlers")
	registry := worker.NewRegistry()

	// Retry streams reuse the primary handler; the payload carries the
	// attempt count. DLQ streams get the terminal monitor.
	_ = registry.Register(queue.PipelineChunkProcessing, vcworker.CommitChunkHandler(deps))
	_ = registry.Register(queue.RetryPipeline(queue.PipelineChunkProcessing), vcworker.CommitChunkHandler(deps))
	_ = registry.Register(queue.PipelineFileAssembly, vcworker.AssembleFileHandler(deps))
	_ = registry.Register(queue.RetryPipeline(queue.PipelineFileAssembly), vcworker.AssembleFileHandler(deps))
	_ = registry.Register(queue.PipelineVideoProcessing, vcworker.ProcessVideoHandler(deps))
	_ = registry.Register(queue.RetryPipeline(queue.PipelineVideoProcessing), vcworker.ProcessVideoHandler(deps))
	for _, pipeline := range queue.Pipelines {
		_ = registry.Register(queue.DLQPipeline(pipeline), vcworker.DeadLetterHandler(pipeline))
	}

	log.Info("handlers registered", "count", len(registry.Types()))

	registry.Use(
		middleware.RecoveryMiddleware(zerologger),
		middleware.LoggingMiddleware(zerologger),
		middleware.TimeoutMiddleware(cfg.JobTimeout),
		middleware.MetricsMiddleware(metrics.NewPrometheusCollector()),
	)

	concurrency := cfg.ChunkConcurrency + cfg.WorkerConcurrency
	log.Info("creating worker pool", "concurrency", concurrency)

	workerPool := worker.NewPool(b, registry,
		worker.WithConcurrency(concurrency),
		worker.WithPoolQueues([]string{"default"}),
		worker.WithPoolPollInterval(time.Second),
		worker.WithShutdownTimeout(30*time.Second),
		worker.WithPoolLogger(zerologger),
	)

	sweeper := vcworker.NewSweeper(sessions, blobs, 5*time.Minute, 100)
	go sweeper.Run(ctx)

	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9090"
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsServer := &http.Server{
		Addr:    ":" + metricsPort,
		Handler: metricsMux,
	}

	go func() {
		log.Info("metrics server starting", "port", metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	poolErr := make(chan error, 1)
	go func() {
		log.Info("starting worker pool")
		poolErr <- workerPool.Start(ctx)
	}()

	select {
	case err := <-poolErr:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("worker pool error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := workerPool.Stop(shutdownCtx); err != nil {
			log.Error("error stopping pool", "error", err)
		}

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error stopping metrics server", "error", err)
		}

		cancel()
	}

	log.Info("worker pool stopped gracefully")
	return nil
}
