package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "story_jobs_created_total", Help: "Jobs queued by the reconciler"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "story_jobs_claimed_total", Help: "Jobs claimed by a batch"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "story_jobs_succeeded_total", Help: "Jobs that produced a story"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "story_jobs_failed_total", Help: "Job attempts that failed"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "story_jobs_dead_lettered_total", Help: "Jobs that used up every attempt"})
	ExternalRetries  = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_external_call_retries_total",
		Help: "Retried calls to the text or speech endpoints",
	}, []string{"call"})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "story_pipeline_stage_duration_seconds",
		Help:    "Duration of generation pipeline stages",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"stage"})
	BatchRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_batch_runs_total",
		Help: "Batch runs by trigger and outcome",
	}, []string{"trigger", "outcome"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "story_trigger_rate_limit_rejects_total",
		Help: "Trigger requests rejected by the rate limiter",
	}, []string{"trigger"})
	JobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "story_jobs",
		Help: "Jobs per status at the last count",
	}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsClaimed,
			JobsSucceeded,
			JobsFailed,
			JobsDeadLettered,
			ExternalRetries,
			StageDuration,
			BatchRuns,
			RateLimitRejects,
			JobsByStatus,
		)
	})
	return promhttp.Handler()
}

// RecordStatusCounts publishes a snapshot of jobs per status.
func RecordStatusCounts(counts map[string]int) {
	for status, n := range counts {
		JobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
