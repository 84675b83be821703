package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devboard_queue_jobs_submitted_total",
		Help: "Total number of jobs submitted",
	}, []string{"job_type"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devboard_queue_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	}, []string{"job_type"})

	JobsRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devboard_queue_jobs_retried_total",
		Help: "Total number of failed attempts scheduled for retry",
	}, []string{"job_type"})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devboard_queue_jobs_failed_total",
		Help: "Total number of jobs that failed permanently",
	}, []string{"job_type", "reason"})

	JobsReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devboard_queue_jobs_reclaimed_total",
		Help: "Total number of processing jobs released after their lease expired",
	}, []string{"job_type"})

	JobsLeaseLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devboard_queue_jobs_lease_lost_total",
		Help: "Total number of handler results discarded because the job was reclaimed",
	}, []string{"job_type"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devboard_queue_job_processing_duration_seconds",
		Help:    "Time taken by handlers in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devboard_queue_active_workers",
		Help: "Current number of active workers",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devboard_queue_jobs",
		Help: "Current number of jobs by status",
	}, []string{"status"})
)

// Failure reasons for JobsFailedTotal.
const (
	ReasonExhausted     = "exhausted"
	ReasonConfiguration = "configuration"
)
