package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/auth"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
)

// RedisRateLimiter implements a sliding window rate limiter using Redis
type RedisRateLimiter struct {
	client *redis.Client
	rate   int
	window time.Duration
	prefix string
}

func NewRedisRateLimiter(client *redis.Client, rate int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		rate:   rate,
		window: window,
		prefix: "ratelimit:",
	}
}

// Allow checks if a request should be allowed for the given key.
// Fails open: a broken limiter never blocks ingest.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.client == nil {
		return true
	}

	now := time.Now().UnixNano()
	windowStart := now - int64(rl.window)
	redisKey := rl.prefix + key

	pipe := rl.client.Pipeline()

	// Remove old entries outside the window
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart))

	// Add current request timestamp
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now), Member: now})

	// Count requests in window
	countCmd := pipe.ZCard(ctx, redisKey)

	// Set TTL for the key
	pipe.Expire(ctx, redisKey, rl.window)

	_, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open - allow request if Redis fails
		return true
	}

	return countCmd.Val() <= int64(rl.rate)
}

// Remaining returns the number of requests remaining in the current window
func (rl *RedisRateLimiter) Remaining(ctx context.Context, key string) int {
	if rl.client == nil {
		return rl.rate
	}

	now := time.Now().UnixNano()
	windowStart := now - int64(rl.window)
	redisKey := rl.prefix + key

	rl.client.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart))
	count, err := rl.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return rl.rate
	}

	remaining := rl.rate - int(count)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	if rl.client == nil {
		return nil
	}
	return rl.client.Del(ctx, rl.prefix+key).Err()
}

// RateLimitChunks throttles chunk ingestion per owner.
func RateLimitChunks(rl *RedisRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, ok := auth.GetUserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.Allow(r.Context(), "chunks:"+owner.String()) {
				metrics.RateLimitRejectionsTotal.Inc()
				apperror.WriteJSON(w, r, apperror.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
