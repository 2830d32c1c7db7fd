package metrics

import (
	"strings"
	"time"
)

// PipelineCollector feeds pool-level job stats from the work bus into
// Prometheus. Job types are pipeline stream names ("chunk_processing",
// "file_assembly_retry", ...); the stage label separates primary, retry and
// dlq traffic per pipeline.
type PipelineCollector struct{}

func NewPrometheusCollector() *PipelineCollector {
	return &PipelineCollector{}
}

// pipelineStage splits a stream name into its pipeline and stage.
func pipelineStage(jobType string) (pipeline, stage string) {
	if p, ok := strings.CutSuffix(jobType, "_retry"); ok {
		return p, "retry"
	}
	if p, ok := strings.CutSuffix(jobType, "_dlq"); ok {
		return p, "dlq"
	}
	return jobType, "primary"
}

func (c *PipelineCollector) JobStarted(jobType, queue string) {
	WorkerPoolActiveJobs.Inc()
}

func (c *PipelineCollector) JobCompleted(jobType, queue string, duration time.Duration) {
	pipeline, stage := pipelineStage(jobType)
	WorkerPoolActiveJobs.Dec()
	JobsProcessedTotal.WithLabelValues(pipeline, "success").Inc()
	JobsProcessingDuration.WithLabelValues(pipeline, stage).Observe(duration.Seconds())
}

func (c *PipelineCollector) JobFailed(jobType, queue string, duration time.Duration) {
	pipeline, stage := pipelineStage(jobType)
	WorkerPoolActiveJobs.Dec()
	JobsProcessedTotal.WithLabelValues(pipeline, "error").Inc()
	JobsProcessingDuration.WithLabelValues(pipeline, stage).Observe(duration.Seconds())
}

func (c *PipelineCollector) JobRetrying(jobType, queue string, attempt int) {
	pipeline, _ := pipelineStage(jobType)
	JobsProcessedTotal.WithLabelValues(pipeline, "retry").Inc()
}
