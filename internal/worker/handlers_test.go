package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/probe"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

func TestCommitChunkHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 2)
	tempKey := storage.TempChunkKey()
	uploadBlob(t, env.blobs, tempKey, "chunk-zero")

	handler := CommitChunkHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineChunkProcessing, queue.CommitChunkPayload{
		SessionID:  sess.ID.String(),
		ChunkIndex: 0,
		TempKey:    tempKey,
		Owner:      sess.Owner.String(),
	}))
	require.NoError(t, err)

	// Staged blob moved to its canonical key.
	canonical := storage.ChunkKey(sess.ID.String(), 0)
	data, ok := env.blobs.GetData(canonical)
	require.True(t, ok)
	assert.Equal(t, "chunk-zero", string(data))

	exists, err := env.blobs.Exists(ctx, tempKey)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateUploading, got.State)
	assert.Equal(t, []int64{0}, got.Received)

	// No assembly until the last chunk lands.
	assert.Empty(t, env.enqueuer.byType(queue.PipelineFileAssembly))
}

func TestCommitChunkFinalChunkEnqueuesAssembly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 2)
	handler := CommitChunkHandler(env.deps)

	for i := int64(0); i < 2; i++ {
		tempKey := storage.TempChunkKey()
		uploadBlob(t, env.blobs, tempKey, "data")
		err := handler(ctx, newJob(t, queue.PipelineChunkProcessing, queue.CommitChunkPayload{
			SessionID:  sess.ID.String(),
			ChunkIndex: i,
			TempKey:    tempKey,
			Owner:      sess.Owner.String(),
		}))
		require.NoError(t, err)
	}

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionStateCompleted, got.State)

	jobs := env.enqueuer.byType(queue.PipelineFileAssembly)
	require.Len(t, jobs, 1)
	payload, ok := jobs[0].payload.(queue.AssembleFilePayload)
	require.True(t, ok)
	assert.Equal(t, sess.ID.String(), payload.SessionID)
}

func TestCommitChunkRedeliveryAfterCrash(t *testing.T) {
	// Crash window: rename done, record not yet durable. The redelivered
	// job finds the canonical blob in place and finishes the record step.
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 2)
	canonical := storage.ChunkKey(sess.ID.String(), 0)
	uploadBlob(t, env.blobs, canonical, "already-renamed")

	handler := CommitChunkHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineChunkProcessing, queue.CommitChunkPayload{
		SessionID:  sess.ID.String(),
		ChunkIndex: 0,
		TempKey:    "chunks/temp_gone",
		Owner:      sess.Owner.String(),
	}))
	require.NoError(t, err)

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, got.Received)

	// Blob content untouched.
	data, _ := env.blobs.GetData(canonical)
	assert.Equal(t, "already-renamed", string(data))
}

func TestCommitChunkDuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 2)
	tempKey := storage.TempChunkKey()
	uploadBlob(t, env.blobs, tempKey, "data")

	handler := CommitChunkHandler(env.deps)
	payload := queue.CommitChunkPayload{
		SessionID:  sess.ID.String(),
		ChunkIndex: 0,
		TempKey:    tempKey,
		Owner:      sess.Owner.String(),
	}

	require.NoError(t, handler(ctx, newJob(t, queue.PipelineChunkProcessing, payload)))
	require.NoError(t, handler(ctx, newJob(t, queue.PipelineChunkProcessing, payload)))

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, got.Received)
	assert.Empty(t, env.enqueuer.byType(queue.PipelineFileAssembly))
}

func TestCommitChunkRedeliveryAfterFailedAssemblyEnqueue(t *testing.T) {
	// The final chunk is recorded but the assembly enqueue fails: the job
	// goes to the retry stream, and the retried delivery observes an
	// already-completed session. It must still enqueue assembly, or the
	// upload is stuck in completed forever.
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 1)
	tempKey := storage.TempChunkKey()
	uploadBlob(t, env.blobs, tempKey, "only-chunk")

	env.enqueuer.err = errBrokerDown
	env.enqueuer.failType = queue.PipelineFileAssembly

	handler := CommitChunkHandler(env.deps)
	payload := queue.CommitChunkPayload{
		SessionID:  sess.ID.String(),
		ChunkIndex: 0,
		TempKey:    tempKey,
		Owner:      sess.Owner.String(),
	}
	require.NoError(t, handler(ctx, newJob(t, queue.PipelineChunkProcessing, payload)))

	retries := env.enqueuer.byType(queue.RetryPipeline(queue.PipelineChunkProcessing))
	require.Len(t, retries, 1)
	assert.Empty(t, env.enqueuer.byType(queue.PipelineFileAssembly))

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, db.SessionStateCompleted, got.State)

	// Broker recovers; the retry stream delivers the republished job.
	env.enqueuer.err = nil
	retried, ok := retries[0].payload.(queue.CommitChunkPayload)
	require.True(t, ok)
	require.NoError(t, handler(ctx, newJob(t, queue.RetryPipeline(queue.PipelineChunkProcessing), retried)))

	jobs := env.enqueuer.byType(queue.PipelineFileAssembly)
	require.Len(t, jobs, 1)
	assembled, ok := jobs[0].payload.(queue.AssembleFilePayload)
	require.True(t, ok)
	assert.Equal(t, sess.ID.String(), assembled.SessionID)
}

func TestCommitChunkCancelledSessionDropsBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionID := uuid.New()
	tempKey := storage.TempChunkKey()
	uploadBlob(t, env.blobs, tempKey, "orphan")

	handler := CommitChunkHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineChunkProcessing, queue.CommitChunkPayload{
		SessionID:  sessionID.String(),
		ChunkIndex: 0,
		TempKey:    tempKey,
		Owner:      uuid.New().String(),
	}))

	// Acked: the session is gone and nothing should redeliver.
	require.NoError(t, err)
	assert.Equal(t, 0, env.blobs.Count())
	assert.Empty(t, env.store.deadLetters)
}

func TestCommitChunkLostBlobDeadLetters(t *testing.T) {
	// Neither the temp nor the canonical blob exists: the bytes are gone
	// and retrying cannot bring them back.
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 2)

	handler := CommitChunkHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineChunkProcessing, queue.CommitChunkPayload{
		SessionID:  sess.ID.String(),
		ChunkIndex: 0,
		TempKey:    "chunks/temp_never_existed",
		Owner:      sess.Owner.String(),
	}))

	require.Error(t, err)
	require.Len(t, env.store.deadLetters, 1)
	assert.Equal(t, queue.PipelineChunkProcessing, env.store.deadLetters[0].Pipeline)
}

func TestCommitChunkTransientFailureRoutesToRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 2)
	tempKey := storage.TempChunkKey()
	uploadBlob(t, env.blobs, tempKey, "data")

	env.deps.Storage = &flakyStorage{Storage: env.blobs, renameErr: errStorageDown}

	handler := CommitChunkHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineChunkProcessing, queue.CommitChunkPayload{
		SessionID:  sess.ID.String(),
		ChunkIndex: 0,
		TempKey:    tempKey,
		Owner:      sess.Owner.String(),
	}))

	// nil: the retry stream owns the job now.
	require.NoError(t, err)
	jobs := env.enqueuer.byType(queue.RetryPipeline(queue.PipelineChunkProcessing))
	require.Len(t, jobs, 1)
	payload, ok := jobs[0].payload.(queue.CommitChunkPayload)
	require.True(t, ok)
	assert.Equal(t, 1, payload.RetryCount)
	assert.Empty(t, env.store.deadLetters)
}

func TestCommitChunkInvalidPayloadIsPermanent(t *testing.T) {
	env := newTestEnv(t)

	handler := CommitChunkHandler(env.deps)
	err := handler(context.Background(), newJob(t, queue.PipelineChunkProcessing, map[string]any{
		"session_id": "not-a-uuid",
	}))

	require.Error(t, err)
	assert.Empty(t, env.enqueuer.jobs)
}

func completedSession(t *testing.T, env *testEnv, chunks []string) db.UploadSession {
	t.Helper()
	ctx := context.Background()

	sess := seedSession(t, env, int32(len(chunks)))
	received := make([]int64, len(chunks))
	size := int64(0)
	for i, content := range chunks {
		uploadBlob(t, env.blobs, storage.ChunkKey(sess.ID.String(), i), content)
		received[i] = int64(i)
		size += int64(len(content))
	}

	s := env.store.sessions[sess.ID]
	s.Received = received
	s.State = db.SessionStateCompleted
	s.FileSize = size
	env.store.sessions[sess.ID] = s

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	return got
}

func TestAssembleConcatenatesInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := completedSession(t, env, []string{"aaa", "bb", "c"})

	handler := AssembleFileHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineFileAssembly, queue.AssembleFilePayload{
		SessionID: sess.ID.String(),
		Owner:     sess.Owner.String(),
	}))
	require.NoError(t, err)

	// Final blob is the ordered concatenation.
	targetKey := storage.UploadKey(sess.TargetFilename)
	data, ok := env.blobs.GetData(targetKey)
	require.True(t, ok)
	assert.Equal(t, "aaabbc", string(data))

	// Video record exists under the session-derived id.
	video, err := env.store.GetVideo(ctx, VideoIDForSession(sess.ID))
	require.NoError(t, err)
	assert.Equal(t, targetKey, video.StorageKey)
	assert.Equal(t, db.VideoStateProcessing, video.State)
	assert.Equal(t, "holiday.mp4", video.Title)

	// Post-processing handed off.
	jobs := env.enqueuer.byType(queue.PipelineVideoProcessing)
	require.Len(t, jobs, 1)
	payload, ok := jobs[0].payload.(queue.ProcessVideoPayload)
	require.True(t, ok)
	assert.Equal(t, video.ID.String(), payload.VideoID)
	assert.Equal(t, targetKey, payload.StorageKey)

	// Session and chunks are gone; only the assembled upload remains.
	_, err = env.store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, 1, env.blobs.Count())
}

func TestAssembleRedeliveryAfterPartialCrash(t *testing.T) {
	// Crash window: final blob uploaded, session not yet removed. The
	// redelivered job skips the upload and resumes teardown.
	env := newTestEnv(t)
	ctx := context.Background()

	sess := completedSession(t, env, []string{"aaa", "bb"})
	targetKey := storage.UploadKey(sess.TargetFilename)
	uploadBlob(t, env.blobs, targetKey, "aaabb")

	handler := AssembleFileHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineFileAssembly, queue.AssembleFilePayload{
		SessionID: sess.ID.String(),
		Owner:     sess.Owner.String(),
	}))
	require.NoError(t, err)

	data, _ := env.blobs.GetData(targetKey)
	assert.Equal(t, "aaabb", string(data))

	_, err = env.store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	require.Len(t, env.enqueuer.byType(queue.PipelineVideoProcessing), 1)
}

func TestAssembleRedeliveryAfterFinish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionID := uuid.New()
	_, err := env.store.CreateVideoIfAbsent(ctx, db.CreateVideoParams{
		ID:         VideoIDForSession(sessionID),
		Owner:      uuid.New(),
		StorageKey: "uploads/done.mp4",
	})
	require.NoError(t, err)

	handler := AssembleFileHandler(env.deps)
	err = handler(ctx, newJob(t, queue.PipelineFileAssembly, queue.AssembleFilePayload{
		SessionID: sessionID.String(),
		Owner:     uuid.New().String(),
	}))

	require.NoError(t, err)
	assert.Empty(t, env.enqueuer.jobs)
}

func TestAssembleIncompleteSessionIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := seedSession(t, env, 3)

	handler := AssembleFileHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineFileAssembly, queue.AssembleFilePayload{
		SessionID: sess.ID.String(),
		Owner:     sess.Owner.String(),
	}))

	require.Error(t, err)
	assert.Empty(t, env.enqueuer.jobs)
}

func seedVideo(t *testing.T, env *testEnv, fileSize int64) db.Video {
	t.Helper()
	video, err := env.store.CreateVideoIfAbsent(context.Background(), db.CreateVideoParams{
		ID:         uuid.New(),
		Owner:      uuid.New(),
		Title:      "clip",
		StorageKey: "uploads/clip.mp4",
		FileSize:   fileSize,
	})
	require.NoError(t, err)
	uploadBlob(t, env.blobs, video.StorageKey, "video-bytes")
	return video
}

func TestProcessVideoSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	video := seedVideo(t, env, 1000)

	handler := ProcessVideoHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineVideoProcessing, queue.ProcessVideoPayload{
		VideoID:    video.ID.String(),
		StorageKey: video.StorageKey,
		Owner:      video.Owner.String(),
		FileSize:   1000,
	}))
	require.NoError(t, err)

	got, err := env.store.GetVideo(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, db.VideoStateReady, got.State)
	assert.Equal(t, float64(120), got.DurationS)
	assert.Equal(t, "1920x1080", got.Resolution)
	assert.Equal(t, "h264", got.Codec)
	assert.Equal(t, storage.ThumbnailKey(video.ID.String()), got.ThumbnailKey)

	// Small file: thumbnail sampled at the midpoint.
	require.Len(t, env.prober.ThumbAt, 1)
	assert.Equal(t, float64(60), env.prober.ThumbAt[0])

	exists, err := env.blobs.Exists(ctx, got.ThumbnailKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestProcessVideoLargeFileSeeksEarly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	video := seedVideo(t, env, 2<<30)

	handler := ProcessVideoHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineVideoProcessing, queue.ProcessVideoPayload{
		VideoID:    video.ID.String(),
		StorageKey: video.StorageKey,
		Owner:      video.Owner.String(),
		FileSize:   2 << 30,
	}))
	require.NoError(t, err)

	require.Len(t, env.prober.ThumbAt, 1)
	assert.Equal(t, float64(30), env.prober.ThumbAt[0])
}

func TestProcessVideoSeekFailureFallsBackToMidpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	video := seedVideo(t, env, 2<<30)
	env.prober.ThumbErr = probe.ErrInvalidVideo

	handler := ProcessVideoHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineVideoProcessing, queue.ProcessVideoPayload{
		VideoID:    video.ID.String(),
		StorageKey: video.StorageKey,
		Owner:      video.Owner.String(),
		FileSize:   2 << 30,
	}))
	require.NoError(t, err)

	// Seek attempt then midpoint fallback; both failed, so the video is
	// ready without a thumbnail.
	require.Len(t, env.prober.ThumbAt, 2)
	assert.Equal(t, float64(30), env.prober.ThumbAt[0])
	assert.Equal(t, float64(60), env.prober.ThumbAt[1])

	got, err := env.store.GetVideo(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, db.VideoStateReady, got.State)
	assert.Empty(t, got.ThumbnailKey)
}

func TestProcessVideoProbeFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	video := seedVideo(t, env, 1000)
	env.prober.ProbeErr = probe.ErrInvalidVideo

	handler := ProcessVideoHandler(env.deps)
	err := handler(ctx, newJob(t, queue.PipelineVideoProcessing, queue.ProcessVideoPayload{
		VideoID:    video.ID.String(),
		StorageKey: video.StorageKey,
		Owner:      video.Owner.String(),
		FileSize:   1000,
	}))

	// Acked: corrupt bytes don't get better on retry.
	require.NoError(t, err)
	got, err := env.store.GetVideo(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, db.VideoStateFailed, got.State)
	assert.Empty(t, env.store.deadLetters)
}

func TestProcessVideoAlreadyReadyAcks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	video := seedVideo(t, env, 1000)
	_, err := env.store.UpdateVideoMedia(ctx, db.UpdateVideoMediaParams{ID: video.ID})
	require.NoError(t, err)

	handler := ProcessVideoHandler(env.deps)
	err = handler(ctx, newJob(t, queue.PipelineVideoProcessing, queue.ProcessVideoPayload{
		VideoID:    video.ID.String(),
		StorageKey: video.StorageKey,
		Owner:      video.Owner.String(),
	}))

	require.NoError(t, err)
	assert.Empty(t, env.prober.ProbeCalls)
}

func TestDeadLetterHandlerAcks(t *testing.T) {
	handler := DeadLetterHandler(queue.PipelineChunkProcessing)
	err := handler(context.Background(), newJob(t, queue.DLQPipeline(queue.PipelineChunkProcessing), queue.CommitChunkPayload{}))
	assert.NoError(t, err)
}

func TestVideoIDForSessionIsDeterministic(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, VideoIDForSession(id), VideoIDForSession(id))
	assert.NotEqual(t, VideoIDForSession(id), VideoIDForSession(uuid.New()))
}

func TestSweeperRunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sweeper := NewSweeper(env.sessions, env.blobs, 0, 10)
	removed, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSweeperReclaimsLeakedTempChunks(t *testing.T) {
	// A crash between staging and enqueue leaves a temp blob with no
	// owning session; only age tells it apart from an in-flight one.
	env := newTestEnv(t)
	ctx := context.Background()

	staleKey := fmt.Sprintf("%s%d_000001", storage.TempChunkPrefix, time.Now().Add(-2*time.Hour).UnixNano())
	freshKey := storage.TempChunkKey()
	uploadBlob(t, env.blobs, staleKey, "leaked")
	uploadBlob(t, env.blobs, freshKey, "in-flight")

	// Committed chunks are never in the temp namespace; the sweep must
	// not touch them.
	canonical := storage.ChunkKey(uuid.New().String(), 0)
	uploadBlob(t, env.blobs, canonical, "committed")

	sweeper := NewSweeper(env.sessions, env.blobs, 0, 10)
	_, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)

	exists, err := env.blobs.Exists(ctx, staleKey)
	require.NoError(t, err)
	assert.False(t, exists)

	for _, key := range []string{freshKey, canonical} {
		exists, err := env.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists, key)
	}
}
