package queue

import (
	"context"
	"fmt"

	"github.com/abdul-hamid-achik/job-queue/pkg/broker"
	"github.com/abdul-hamid-achik/job-queue/pkg/job"

	"github.com/abdul-hamid-achik/vidcore/internal/tracing"
)

// Pipeline names double as job types and stream names on the broker.
const (
	PipelineChunkProcessing = "chunk_processing"
	PipelineFileAssembly    = "file_assembly"
	PipelineVideoProcessing = "video_processing"
)

// Pipelines lists every primary pipeline, in dispatch-priority order.
var Pipelines = []string{
	PipelineChunkProcessing,
	PipelineFileAssembly,
	PipelineVideoProcessing,
}

// RetryPipeline returns the companion stream a failed job is republished to.
func RetryPipeline(pipeline string) string {
	return pipeline + "_retry"
}

// DLQPipeline returns the terminal stream for jobs past their retry budget.
func DLQPipeline(pipeline string) string {
	return pipeline + "_dlq"
}

// Enqueuer is the narrow publishing surface handed to the API and workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) error
}

// BrokerEnqueuer adapts the streams broker to the Enqueuer interface.
type BrokerEnqueuer struct {
	broker *broker.RedisStreamsBroker
}

func NewBrokerEnqueuer(b *broker.RedisStreamsBroker) *BrokerEnqueuer {
	return &BrokerEnqueuer{broker: b}
}

func (e *BrokerEnqueuer) Enqueue(ctx context.Context, jobType string, payload any) error {
	ctx, span := tracing.StartPublishSpan(ctx, jobType)
	defer span.End()

	j, err := job.New(jobType, payload)
	if err != nil {
		return fmt.Errorf("create %s job: %w", jobType, err)
	}
	if err := e.broker.Enqueue(ctx, j); err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return nil
}
