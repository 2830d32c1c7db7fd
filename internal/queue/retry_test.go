package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
)

type enqueued struct {
	jobType string
	payload any
}

type fakeEnqueuer struct {
	jobs []enqueued
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobType string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, enqueued{jobType: jobType, payload: payload})
	return nil
}

type fakeDeadLetters struct {
	created []db.CreateDeadLetterParams
	err     error
}

func (f *fakeDeadLetters) CreateDeadLetter(ctx context.Context, arg db.CreateDeadLetterParams) (db.DeadLetter, error) {
	if f.err != nil {
		return db.DeadLetter{}, f.err
	}
	f.created = append(f.created, arg)
	return db.DeadLetter{Pipeline: arg.Pipeline}, nil
}

func TestFailRepublishesRetryableErrors(t *testing.T) {
	enq := &fakeEnqueuer{}
	dlq := &fakeDeadLetters{}
	router := NewRouter(enq, dlq, 3)

	payload := CommitChunkPayload{SessionID: "s1", ChunkIndex: 2, RetryCount: 1}
	err := router.Fail(context.Background(), PipelineChunkProcessing, 0, payload, apperror.Transient(errors.New("redis timeout")))

	// nil means the original delivery is acked; the retry stream owns it now.
	require.NoError(t, err)
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, "chunk_processing_retry", enq.jobs[0].jobType)
	assert.Empty(t, dlq.created)
}

func TestFailParksAfterBudgetExhausted(t *testing.T) {
	enq := &fakeEnqueuer{}
	dlq := &fakeDeadLetters{}
	router := NewRouter(enq, dlq, 3)

	payload := AssembleFilePayload{SessionID: "s1", RetryCount: 4}
	err := router.Fail(context.Background(), PipelineFileAssembly, 3, payload, apperror.Transient(errors.New("still down")))

	require.Error(t, err)
	require.Len(t, dlq.created, 1)
	assert.Equal(t, PipelineFileAssembly, dlq.created[0].Pipeline)
	assert.Equal(t, int32(4), dlq.created[0].Attempts)
	assert.Contains(t, dlq.created[0].LastError, "still down")

	// The DLQ pipeline also gets the job so monitors see it.
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, "file_assembly_dlq", enq.jobs[0].jobType)
}

func TestFailParksNonRetryableImmediately(t *testing.T) {
	enq := &fakeEnqueuer{}
	dlq := &fakeDeadLetters{}
	router := NewRouter(enq, dlq, 3)

	cause := apperror.Fatal(errors.New("blob gone"), "staged chunk blob lost")
	err := router.Fail(context.Background(), PipelineChunkProcessing, 0, CommitChunkPayload{}, cause)

	require.Error(t, err)
	require.Len(t, dlq.created, 1)
	assert.Equal(t, int32(1), dlq.created[0].Attempts)
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, "chunk_processing_dlq", enq.jobs[0].jobType)
}

func TestFailRepublishFailureFallsBackToRedelivery(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("broker down")}
	dlq := &fakeDeadLetters{}
	router := NewRouter(enq, dlq, 3)

	err := router.Fail(context.Background(), PipelineChunkProcessing, 0, CommitChunkPayload{}, apperror.Transient(errors.New("boom")))

	// The handler reports failure so the broker redelivers the original.
	require.Error(t, err)
	assert.Empty(t, dlq.created)
}

func TestPipelineNames(t *testing.T) {
	assert.Equal(t, "chunk_processing_retry", RetryPipeline(PipelineChunkProcessing))
	assert.Equal(t, "video_processing_dlq", DLQPipeline(PipelineVideoProcessing))
	assert.Len(t, Pipelines, 3)
}
