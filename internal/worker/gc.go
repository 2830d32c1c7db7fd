package worker

import (
	"context"
	"time"

	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

// Sweeper periodically removes upload sessions past their deadline,
// including their staged chunks and chunk index, and reclaims temp chunk
// blobs that were staged but never committed (a crash between staging and
// enqueue leaves them behind with no owning session).
type Sweeper struct {
	Sessions *session.Manager
	Blobs    storage.Storage
	Interval time.Duration
	Batch    int32
	// TempAge is how old a pre-rename scratch blob must be before the
	// sweep treats it as leaked. Must comfortably exceed the longest
	// intake-to-commit window.
	TempAge time.Duration
}

func NewSweeper(sessions *session.Manager, blobs storage.Storage, interval time.Duration, batch int32) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		Sessions: sessions,
		Blobs:    blobs,
		Interval: interval,
		Batch:    batch,
		TempAge:  time.Hour,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log := logger.FromContext(ctx).With("component", "session_gc")
	log.Info("session gc started", "interval", s.Interval.String(), "batch", s.Batch)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("session gc stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Error("session gc sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many sessions it removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx).With("component", "session_gc")

	removed, err := s.Sessions.CleanupExpired(ctx, s.Batch)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		metrics.SessionsExpiredTotal.Add(float64(removed))
		log.Info("expired sessions removed", "count", removed)
	}

	swept, err := s.sweepTempChunks(ctx)
	if err != nil {
		// Session cleanup already succeeded; report the partial result.
		log.Error("temp chunk sweep failed", "error", err)
		return removed, nil
	}
	if swept > 0 {
		metrics.TempChunksSweptTotal.Add(float64(swept))
		log.Info("leaked temp chunks removed", "count", swept)
	}
	return removed, nil
}

func (s *Sweeper) sweepTempChunks(ctx context.Context) (int, error) {
	if s.Blobs == nil {
		return 0, nil
	}

	keys, err := s.Blobs.List(ctx, storage.TempChunkPrefix)
	if err != nil {
		return 0, err
	}

	log := logger.FromContext(ctx).With("component", "session_gc")
	now := time.Now()
	swept := 0
	for _, key := range keys {
		age, ok := storage.TempChunkAge(key, now)
		if !ok || age < s.TempAge {
			continue
		}
		if err := s.Blobs.Delete(ctx, key); err != nil {
			log.Warn("failed to delete leaked temp chunk", "key", key, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}
