// One-shot expired-session sweep, intended to run as a cron job alongside
// the resident sweeper in the worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/vidcore/internal/chunkindex"
	"github.com/abdul-hamid-achik/vidcore/internal/config"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
	"github.com/abdul-hamid-achik/vidcore/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("cleanup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.Default()

	log.Info("starting cleanup job")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

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

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer func() { _ = redisClient.Close() }()

	store := db.NewStore(pool)
	index := chunkindex.New(redisClient, cfg.SessionTTL)
	sessions := session.NewManager(store, index, blobs,
		cfg.MaxFileSize, cfg.MaxChunkSize, cfg.SessionTTL)

	sweeper := worker.NewSweeper(sessions, blobs, 0, 500)
	removed, err := sweeper.RunOnce(logger.WithLogger(ctx, log))
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	log.Info("cleanup completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"sessions_removed", removed,
	)

	return nil
}
