package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_submissions_total", Help: "Tasks accepted by the dispatcher"})
	DuplicateSubmissions = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_duplicate_submissions_total", Help: "Submissions collapsed onto an existing job id"})
	SubmitThrottled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_submit_throttled_total", Help: "Submissions rejected by the per-tenant bucket"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs that finished successfully"})
	JobsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that failed and will retry"})
	JobsDeadLetter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_dead_letter_total", Help: "Jobs moved to the DLQ"})
	EventsLogged         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_events_logged_total", Help: "Progress events appended"})
	WorkflowsDeleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_workflows_deleted_total", Help: "Workflows purged by cleanup"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready queue depth across stages"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Jobs currently leased"})
	LimiterWait          = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "pipeline_limiter_wait_seconds", Help: "Time spent waiting for a registry API slot", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			DuplicateSubmissions,
			SubmitThrottled,
			JobsCompleted,
			JobsFailed,
			JobsDeadLetter,
			EventsLogged,
			WorkflowsDeleted,
			QueueDepthGauge,
			InFlightGauge,
			LimiterWait,
		)
	})
	return promhttp.Handler()
}
