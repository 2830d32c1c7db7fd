// Package worker implements the pipeline consumers: chunk commit, file
// assembly, and video post-processing, plus the dead-letter monitors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/abdul-hamid-achik/job-queue/pkg/job"
	"github.com/abdul-hamid-achik/job-queue/pkg/middleware"
	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/cache"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/probe"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
	"github.com/abdul-hamid-achik/vidcore/internal/tracing"
)

// LargeFileThreshold is the size past which the thumbnail grab seeks to a
// fixed early offset instead of the midpoint, to avoid demuxing half the
// file.
const LargeFileThreshold = 1 << 30 // 1 GiB

// MetadataStore is the database surface the handlers need. *db.Store
// satisfies it.
type MetadataStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (db.UploadSession, error)
	CreateVideoIfAbsent(ctx context.Context, arg db.CreateVideoParams) (db.Video, error)
	GetVideo(ctx context.Context, id uuid.UUID) (db.Video, error)
	UpdateVideoMedia(ctx context.Context, arg db.UpdateVideoMediaParams) (db.Video, error)
	SetVideoState(ctx context.Context, id uuid.UUID, state db.VideoState) error
}

type Dependencies struct {
	Storage  storage.Storage
	Store    MetadataStore
	Sessions *session.Manager
	Enqueuer queue.Enqueuer
	Router   *queue.Router
	Prober   probe.Prober
	Cache    *cache.Cache
}

// videoNamespace seeds the deterministic video id derived from a session
// id, which is what makes assembly redeliveries land on the same row.
var videoNamespace = uuid.MustParse("d3f1c9a2-4b47-5b36-9c80-2f6d8e1a7c45")

func VideoIDForSession(sessionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(videoNamespace, sessionID[:])
}

// CommitChunkHandler consumes the chunk pipeline: rename the staged blob to
// its canonical key, record the receipt, and fan out to assembly when the
// session completes.
func CommitChunkHandler(deps *Dependencies) func(context.Context, *job.Job) error {
	return func(ctx context.Context, j *job.Job) error {
		ctx, span := tracing.StartConsumeSpan(ctx, queue.PipelineChunkProcessing, j.ID)
		defer span.End()

		log := logger.FromContext(ctx).With("job_id", j.ID, "job_type", queue.PipelineChunkProcessing)
		start := time.Now()

		var payload queue.CommitChunkPayload
		if err := j.UnmarshalPayload(&payload); err != nil {
			log.Error("invalid payload", "error", err)
			return middleware.Permanent(fmt.Errorf("invalid payload: %w", err))
		}

		sessionID, err := uuid.Parse(payload.SessionID)
		if err != nil {
			log.Error("invalid session id", "session_id", payload.SessionID, "error", err)
			return middleware.Permanent(fmt.Errorf("invalid session id: %w", err))
		}
		log = log.With("session_id", payload.SessionID, "chunk_index", payload.ChunkIndex)

		fail := func(cause error) error {
			next := payload
			next.RetryCount++
			return deps.Router.Fail(ctx, queue.PipelineChunkProcessing, payload.RetryCount, next, cause)
		}

		canonical := storage.ChunkKey(payload.SessionID, int(payload.ChunkIndex))
		exists, err := deps.Storage.Exists(ctx, canonical)
		if err != nil {
			return fail(apperror.Transient(err))
		}
		if exists {
			// Redelivery after a crash between rename and record: the
			// canonical blob is already in place.
			if payload.TempKey != "" {
				if err := deps.Storage.Delete(ctx, payload.TempKey); err != nil {
					log.Warn("failed to delete stale temp chunk", "temp_key", payload.TempKey, "error", err)
				}
			}
		} else {
			if err := deps.Storage.Rename(ctx, payload.TempKey, canonical); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					// Both blobs gone; the chunk bytes are unrecoverable.
					return fail(apperror.Fatal(err, "staged chunk blob lost"))
				}
				return fail(apperror.Transient(err))
			}
		}

		res, err := deps.Sessions.RecordChunk(ctx, sessionID, payload.ChunkIndex)
		if err != nil {
			if apperror.Is(err, apperror.ErrNotFound) {
				// Session cancelled under us; drop the orphaned chunk.
				if delErr := deps.Storage.Delete(ctx, canonical); delErr != nil {
					log.Warn("failed to delete chunk of cancelled session", "key", canonical, "error", delErr)
				}
				log.Info("chunk dropped, session gone")
				return nil
			}
			return fail(err)
		}

		if res.Completed {
			metrics.SessionsCompletedTotal.Inc()
		}

		// Fan out on the stored image, not only on the commit that finished
		// it: if the previous delivery recorded the final chunk but died
		// before the enqueue, the redelivery must still hand off. Duplicate
		// assembly jobs are harmless; assembly is idempotent.
		if res.Session.State == db.SessionStateCompleted {
			assemble := queue.AssembleFilePayload{
				SessionID: payload.SessionID,
				Owner:     payload.Owner,
			}
			if err := deps.Enqueuer.Enqueue(ctx, queue.PipelineFileAssembly, assemble); err != nil {
				return fail(apperror.Transient(err))
			}
			metrics.JobsEnqueuedTotal.WithLabelValues(queue.PipelineFileAssembly).Inc()
			log.Info("session complete, assembly enqueued",
				"total_chunks", res.Session.TotalChunks)
		}

		metrics.ChunkCommitDuration.Observe(time.Since(start).Seconds())
		log.Debug("chunk committed",
			"duplicate", res.Duplicate,
			"received", len(res.Session.Received),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}

// AssembleFileHandler consumes the assembly pipeline: concatenate a
// completed session's chunks in ascending index order into the final
// upload, create the video record, and hand off to post-processing.
//
// The handler is idempotent per session: the final blob is keyed by the
// session's target filename and the video id is derived from the session
// id, so a redelivery resumes wherever the previous attempt died.
func AssembleFileHandler(deps *Dependencies) func(context.Context, *job.Job) error {
	return func(ctx context.Context, j *job.Job) error {
		ctx, span := tracing.StartConsumeSpan(ctx, queue.PipelineFileAssembly, j.ID)
		defer span.End()

		log := logger.FromContext(ctx).With("job_id", j.ID, "job_type", queue.PipelineFileAssembly)
		start := time.Now()

		var payload queue.AssembleFilePayload
		if err := j.UnmarshalPayload(&payload); err != nil {
			log.Error("invalid payload", "error", err)
			return middleware.Permanent(fmt.Errorf("invalid payload: %w", err))
		}

		sessionID, err := uuid.Parse(payload.SessionID)
		if err != nil {
			log.Error("invalid session id", "session_id", payload.SessionID, "error", err)
			return middleware.Permanent(fmt.Errorf("invalid session id: %w", err))
		}
		log = log.With("session_id", payload.SessionID)

		fail := func(cause error) error {
			next := payload
			next.RetryCount++
			return deps.Router.Fail(ctx, queue.PipelineFileAssembly, payload.RetryCount, next, cause)
		}

		sess, err := deps.Store.GetSession(ctx, sessionID)
		if errors.Is(err, db.ErrNotFound) {
			// The session row is deleted last; if the video exists this is
			// a redelivery of fully finished work.
			if _, vErr := deps.Store.GetVideo(ctx, VideoIDForSession(sessionID)); vErr == nil {
				log.Info("assembly already finished, session gone")
				return nil
			}
			log.Error("session missing and no video record")
			return middleware.Permanent(fmt.Errorf("session %s not found", payload.SessionID))
		}
		if err != nil {
			return fail(apperror.Transient(err))
		}

		if sess.State != db.SessionStateCompleted || !sess.Complete() {
			log.Error("session not assemblable",
				"state", sess.State, "received", len(sess.Received), "total", sess.TotalChunks)
			return middleware.Permanent(fmt.Errorf(
				"session %s not assemblable: state=%s received=%d/%d",
				payload.SessionID, sess.State, len(sess.Received), sess.TotalChunks))
		}

		targetKey := storage.UploadKey(sess.TargetFilename)
		exists, err := deps.Storage.Exists(ctx, targetKey)
		if err != nil {
			return fail(apperror.Transient(err))
		}

		if !exists {
			if err := assembleChunks(ctx, deps.Storage, sess, targetKey); err != nil {
				log.Error("assembly failed", "target", targetKey, "error", err)
				return fail(err)
			}
			log.Info("chunks assembled", "target", targetKey, "size", sess.FileSize)
		} else {
			log.Info("final blob already present, resuming", "target", targetKey)
		}

		video, err := deps.Store.CreateVideoIfAbsent(ctx, videoParamsFromSession(sess, targetKey))
		if err != nil {
			return fail(apperror.Transient(err))
		}

		process := queue.ProcessVideoPayload{
			VideoID:    video.ID.String(),
			SessionID:  payload.SessionID,
			StorageKey: targetKey,
			Owner:      payload.Owner,
			FileSize:   sess.FileSize,
		}
		if err := deps.Enqueuer.Enqueue(ctx, queue.PipelineVideoProcessing, process); err != nil {
			return fail(apperror.Transient(err))
		}
		metrics.JobsEnqueuedTotal.WithLabelValues(queue.PipelineVideoProcessing).Inc()

		// Chunks and the session row go away only after the final blob and
		// the video record are durable, so every earlier failure retries
		// from intact state.
		if err := deps.Sessions.Remove(ctx, sessionID); err != nil {
			return fail(err)
		}

		if deps.Cache != nil {
			deps.Cache.InvalidateOwnerLists(ctx, payload.Owner)
		}

		metrics.AssemblyDuration.Observe(time.Since(start).Seconds())
		log.Info("assembly completed",
			"video_id", video.ID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}

// assembleChunks streams the concatenation through an in-process pipe so
// the full file is never buffered in memory.
func assembleChunks(ctx context.Context, blobs storage.Storage, sess db.UploadSession, targetKey string) error {
	pr, pw := io.Pipe()

	go func() {
		for i := 0; i < int(sess.TotalChunks); i++ {
			chunkKey := storage.ChunkKey(sess.ID.String(), i)
			reader, err := blobs.Download(ctx, chunkKey)
			if err != nil {
				pw.CloseWithError(apperror.Transient(fmt.Errorf("read chunk %d: %w", i, err)))
				return
			}
			_, err = io.Copy(pw, reader)
			_ = reader.Close()
			if err != nil {
				pw.CloseWithError(apperror.Transient(fmt.Errorf("copy chunk %d: %w", i, err)))
				return
			}
		}
		_ = pw.Close()
	}()

	if err := blobs.Upload(ctx, targetKey, pr, "video/mp4", sess.FileSize); err != nil {
		_ = pr.CloseWithError(err)
		if apperror.KindOf(err) == apperror.KindInternal {
			return apperror.Transient(err)
		}
		return err
	}
	return nil
}

func videoParamsFromSession(sess db.UploadSession, targetKey string) db.CreateVideoParams {
	title := sess.Metadata["title"]
	if title == "" {
		title = sess.OriginalFilename
	}
	category := sess.Metadata["category"]
	if category == "" {
		category = "general"
	}
	return db.CreateVideoParams{
		ID:          VideoIDForSession(sess.ID),
		Owner:       sess.Owner,
		Title:       title,
		Description: sess.Metadata["description"],
		Category:    category,
		MimeType:    "video/mp4",
		StorageKey:  targetKey,
		FileSize:    sess.FileSize,
	}
}

// ProcessVideoHandler consumes the post-processing pipeline: probe the
// assembled blob, grab a thumbnail, and flip the video to ready. A probe
// failure marks the video failed and acks; the bytes won't get less corrupt
// on retry.
func ProcessVideoHandler(deps *Dependencies) func(context.Context, *job.Job) error {
	return func(ctx context.Context, j *job.Job) error {
		ctx, span := tracing.StartConsumeSpan(ctx, queue.PipelineVideoProcessing, j.ID)
		defer span.End()

		log := logger.FromContext(ctx).With("job_id", j.ID, "job_type", queue.PipelineVideoProcessing)
		start := time.Now()

		var payload queue.ProcessVideoPayload
		if err := j.UnmarshalPayload(&payload); err != nil {
			log.Error("invalid payload", "error", err)
			return middleware.Permanent(fmt.Errorf("invalid payload: %w", err))
		}

		videoID, err := uuid.Parse(payload.VideoID)
		if err != nil {
			log.Error("invalid video id", "video_id", payload.VideoID, "error", err)
			return middleware.Permanent(fmt.Errorf("invalid video id: %w", err))
		}
		log = log.With("video_id", payload.VideoID)

		fail := func(cause error) error {
			next := payload
			next.RetryCount++
			return deps.Router.Fail(ctx, queue.PipelineVideoProcessing, payload.RetryCount, next, cause)
		}

		video, err := deps.Store.GetVideo(ctx, videoID)
		if errors.Is(err, db.ErrNotFound) {
			log.Error("video record missing")
			return middleware.Permanent(fmt.Errorf("video %s not found", payload.VideoID))
		}
		if err != nil {
			return fail(apperror.Transient(err))
		}
		if video.State == db.VideoStateReady {
			log.Info("video already processed")
			return nil
		}

		tempDir, err := os.MkdirTemp("", "vidprocess-*")
		if err != nil {
			return fail(apperror.Transient(err))
		}
		defer func() { _ = os.RemoveAll(tempDir) }()

		inputPath := filepath.Join(tempDir, "input")
		if err := downloadToFile(ctx, deps.Storage, payload.StorageKey, inputPath); err != nil {
			return fail(apperror.Transient(err))
		}

		meta, err := deps.Prober.Probe(ctx, inputPath)
		if err != nil {
			log.Error("probe failed, marking video failed", "error", err)
			if stateErr := deps.Store.SetVideoState(ctx, videoID, db.VideoStateFailed); stateErr != nil {
				return fail(apperror.Transient(stateErr))
			}
			metrics.VideosProcessedTotal.WithLabelValues("failed").Inc()
			return nil
		}

		thumbnailKey := extractThumbnail(ctx, deps, log, payload, videoID, inputPath, tempDir, meta)

		if _, err := deps.Store.UpdateVideoMedia(ctx, db.UpdateVideoMediaParams{
			ID:           videoID,
			DurationS:    meta.Duration,
			Resolution:   fmt.Sprintf("%dx%d", meta.Width, meta.Height),
			Codec:        meta.VideoCodec,
			Bitrate:      meta.Bitrate,
			ThumbnailKey: thumbnailKey,
		}); err != nil {
			return fail(apperror.Transient(err))
		}

		if deps.Cache != nil {
			deps.Cache.InvalidateVideo(ctx, payload.VideoID)
			deps.Cache.InvalidateOwnerLists(ctx, payload.Owner)
		}

		metrics.VideosProcessedTotal.WithLabelValues("success").Inc()
		log.Info("video ready",
			"duration_s", meta.Duration,
			"resolution", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
			"codec", meta.VideoCodec,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}

// extractThumbnail grabs a frame: large blobs seek to 30s to avoid demuxing
// half the file, everything else samples the midpoint. If the seek path
// fails (typically the 60s timeout), it falls back to the midpoint. A
// thumbnail is best effort; an empty key means none.
func extractThumbnail(ctx context.Context, deps *Dependencies, log *slog.Logger, payload queue.ProcessVideoPayload, videoID uuid.UUID, inputPath, tempDir string, meta *probe.Metadata) string {
	thumbPath := filepath.Join(tempDir, "thumb.jpg")
	midpoint := meta.Duration * 0.5

	at := midpoint
	if payload.FileSize > LargeFileThreshold {
		at = 30
	}

	err := deps.Prober.Thumbnail(ctx, inputPath, at, thumbPath)
	if err != nil && at != midpoint {
		log.Warn("seek thumbnail failed, falling back to midpoint", "error", err)
		err = deps.Prober.Thumbnail(ctx, inputPath, midpoint, thumbPath)
	}
	if err != nil {
		log.Warn("thumbnail extraction failed", "error", err)
		return ""
	}

	thumbFile, err := os.Open(thumbPath)
	if err != nil {
		log.Warn("failed to open thumbnail", "error", err)
		return ""
	}
	defer func() { _ = thumbFile.Close() }()

	info, err := thumbFile.Stat()
	if err != nil {
		log.Warn("failed to stat thumbnail", "error", err)
		return ""
	}

	key := storage.ThumbnailKey(videoID.String())
	if err := deps.Storage.Upload(ctx, key, thumbFile, "image/jpeg", info.Size()); err != nil {
		log.Warn("failed to upload thumbnail", "key", key, "error", err)
		return ""
	}
	return key
}

func downloadToFile(ctx context.Context, blobs storage.Storage, key, path string) error {
	reader, err := blobs.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// DeadLetterHandler acks and logs parked jobs; the persisted dead_letters
// row is what operators act on.
func DeadLetterHandler(pipeline string) func(context.Context, *job.Job) error {
	return func(ctx context.Context, j *job.Job) error {
		logger.FromContext(ctx).Error("job dead-lettered",
			"job_id", j.ID,
			"pipeline", pipeline,
		)
		metrics.JobsDeadLetteredTotal.WithLabelValues(pipeline).Inc()
		return nil
	}
}
