package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_retried_total", Help: "Failed attempts that will be retried"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_dead_total", Help: "Jobs moved to the dead letter queue"})
	DLQRequeued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_dlq_requeued_total", Help: "Dead jobs moved back to pending"})
	StorageErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_storage_errors_total", Help: "Store operations that failed"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queuectl_jobs_inflight", Help: "Jobs currently executing in this process"})
	WorkersActive    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queuectl_workers_active", Help: "Worker goroutines running in this process"})
	JobDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "queuectl_job_duration_seconds",
		Help:    "Wall time of command executions",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
	JobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queuectl_jobs", Help: "Jobs per state as of the last status query"}, []string{"state"})
)

// Register adds every collector to the default registry. Safe to call repeatedly.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerDeadLetter,
			DLQRequeued,
			StorageErrors,
			InFlightGauge,
			WorkersActive,
			JobDuration,
			JobsByState,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
