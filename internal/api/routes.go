package api

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/vidcore/internal/auth"
	"github.com/abdul-hamid-achik/vidcore/internal/cache"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/health"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

type Config struct {
	Storage         storage.Storage
	Store           *db.Store
	Sessions        *session.Manager
	Enqueuer        queue.Enqueuer
	Cache           *cache.Cache
	JWTSecret       string
	MaxChunkSize    int64
	ChunkRateLimit  int
	ChunkRateWindow time.Duration
	Pool            *pgxpool.Pool
	RedisClient     *redis.Client
}

// NewRouter assembles the ingest API: health endpoints unauthenticated, the
// /v1 surface behind bearer auth, streaming public.
func NewRouter(cfg *Config) http.Handler {
	mux := http.NewServeMux()

	healthChecker := health.NewChecker().
		WithDatabase(cfg.Pool).
		WithRedis(cfg.RedisClient).
		WithStorage(cfg.Storage)
	mux.HandleFunc("GET /health", health.ReadinessHandler(healthChecker))
	mux.HandleFunc("GET /health/live", health.LivenessHandler())
	mux.HandleFunc("GET /health/ready", health.ReadinessHandler(healthChecker))

	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /v1/upload/initialize", InitializeUploadHandler(cfg.Sessions))
	apiMux.HandleFunc("GET /v1/upload/status/{sessionId}", UploadStatusHandler(cfg.Sessions))
	apiMux.HandleFunc("POST /v1/upload/resume/{sessionId}", ResumeUploadHandler(cfg.Sessions))
	apiMux.HandleFunc("DELETE /v1/upload/cancel/{sessionId}", CancelUploadHandler(cfg.Sessions))
	apiMux.HandleFunc("GET /v1/upload/sessions", ListSessionsHandler(cfg.Sessions))

	chunkLimiter := NewRedisRateLimiter(cfg.RedisClient, cfg.ChunkRateLimit, cfg.ChunkRateWindow)
	chunkHandler := ChunkIntakeHandler(cfg.Sessions, cfg.Storage, cfg.Enqueuer, cfg.MaxChunkSize)
	apiMux.Handle("POST /v1/upload/chunk", RateLimitChunks(chunkLimiter)(chunkHandler))

	apiMux.HandleFunc("GET /v1/videos", ListVideosHandler(cfg.Store, cfg.Cache))
	apiMux.HandleFunc("GET /v1/videos/{id}", GetVideoHandler(cfg.Store, cfg.Cache))
	apiMux.HandleFunc("POST /v1/videos/{id}/like", LikeVideoHandler(cfg.Store, cfg.Cache))

	mux.Handle("/v1/", auth.Middleware(cfg.JWTSecret)(apiMux))

	// Playback is tokenless; target filenames are unguessable UUIDs.
	mux.HandleFunc("GET /stream/{filename}", StreamHandler(cfg.Storage, cfg.Store))

	var handler http.Handler = mux
	handler = metrics.HTTPMetricsMiddleware(handler)
	handler = RequestLogger(handler)
	handler = Recovery(handler)
	handler = SecurityHeaders(handler)
	handler = RequestID(handler)
	return handler
}
