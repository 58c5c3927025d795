package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stage throughput and latency
	stagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_stages_processed_total",
		Help: "Total number of stage handler executions that succeeded",
	}, []string{"stage"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_stage_failures_total",
		Help: "Total number of stage handler executions that failed, by error kind",
	}, []string{"stage", "kind"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestion_stage_duration_seconds",
		Help:    "Stage handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage", "outcome"})

	// Queue depth, refreshed by the scheduler
	QueueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestion_queue_jobs",
		Help: "Number of ingestion jobs by state",
	}, []string{"state"})

	// Intake outcomes
	intakeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_intake_requests_total",
		Help: "Total intake requests by outcome (created, duplicate, cloned, rejected, rate_limited)",
	}, []string{"outcome"})
)

// SetQueueGauges publishes queue statistics as prometheus gauges.
func SetQueueGauges(stats *QueueStats) {
	QueueJobs.WithLabelValues(string(StateQueued)).Set(float64(stats.Queued))
	QueueJobs.WithLabelValues(string(StateWorking)).Set(float64(stats.Working))
	QueueJobs.WithLabelValues(string(StateRetryable)).Set(float64(stats.Retryable))
	QueueJobs.WithLabelValues(string(StateDone)).Set(float64(stats.Done))
	QueueJobs.WithLabelValues(string(StateDeadletter)).Set(float64(stats.Deadletter))
}
