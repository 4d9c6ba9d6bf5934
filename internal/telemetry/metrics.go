package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_jobs_submitted_total", Help: "Total summarization jobs created"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_cache_hits_total", Help: "Submissions answered from the result cache"})
	DedupHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_dedup_hits_total", Help: "Submissions answered from an existing job record"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_jobs_failed_total", Help: "Job attempts that failed and will retry"})
	WorkerDead       = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_jobs_dead_total", Help: "Jobs that exhausted all attempts"})
	StalledTasks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_tasks_stalled_total", Help: "Leases that expired without an ack"})
	ReaperResets     = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_reaper_resets_total", Help: "Stuck jobs reset and re-enqueued by the reaper"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "summary_rate_limit_rejects_total", Help: "Requests rejected by the ingress rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "summary_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "summary_jobs_inflight", Help: "Jobs currently leased by workers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			CacheHits,
			DedupHits,
			WorkerSuccess,
			WorkerFailures,
			WorkerDead,
			StalledTasks,
			ReaperResets,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
