package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abdul-hamid-achik/job-queue/pkg/middleware"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
)

// DeadLetterWriter persists exhausted jobs for inspection and manual requeue.
type DeadLetterWriter interface {
	CreateDeadLetter(ctx context.Context, arg db.CreateDeadLetterParams) (db.DeadLetter, error)
}

// Router decides what happens to a failed job: republish to the pipeline's
// retry stream, or park it in the dead letter queue once the budget is spent.
type Router struct {
	enqueuer   Enqueuer
	deadLetter DeadLetterWriter
	maxRetries int
}

func NewRouter(enqueuer Enqueuer, deadLetter DeadLetterWriter, maxRetries int) *Router {
	return &Router{
		enqueuer:   enqueuer,
		deadLetter: deadLetter,
		maxRetries: maxRetries,
	}
}

// Fail routes a failed job. Non-retryable errors and exhausted budgets go to
// the DLQ; everything else is republished with an incremented retry count.
// The returned error is what the job handler should hand back to the pool:
// nil after a successful republish (the original delivery is acked),
// Permanent after parking, so the broker never re-runs a dead job.
func (r *Router) Fail(ctx context.Context, pipeline string, retryCount int, payload any, cause error) error {
	log := logger.FromContext(ctx).With("pipeline", pipeline, "retry_count", retryCount)

	if apperror.IsRetryable(cause) && retryCount < r.maxRetries {
		if err := r.enqueuer.Enqueue(ctx, RetryPipeline(pipeline), payload); err != nil {
			// Republish failed; let the broker redeliver the original.
			log.Error("failed to republish to retry pipeline", "error", err)
			return fmt.Errorf("republish to %s: %w", RetryPipeline(pipeline), err)
		}
		// The broker delivers retry streams at its poll cadence; there is no
		// scheduled delay beyond that.
		log.Warn("job republished for retry", "error", cause)
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	if _, err := r.deadLetter.CreateDeadLetter(ctx, db.CreateDeadLetterParams{
		Pipeline:  pipeline,
		JobType:   DLQPipeline(pipeline),
		Payload:   raw,
		Attempts:  int32(retryCount + 1),
		LastError: cause.Error(),
	}); err != nil {
		log.Error("failed to persist dead letter", "error", err)
	}

	if err := r.enqueuer.Enqueue(ctx, DLQPipeline(pipeline), payload); err != nil {
		log.Error("failed to publish to dlq pipeline", "error", err)
	}

	log.Warn("job parked in dead letter queue", "error", cause)
	return middleware.Permanent(fmt.Errorf("%s exhausted after %d attempts: %w", pipeline, retryCount+1, cause))
}
