package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_runs_started_total", Help: "Platform runs started per actor"}, []string{"actor"})
	RunStartFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_run_start_failures_total", Help: "Platform run starts that failed per actor"}, []string{"actor"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "Load requests rejected by rate limiter"})
	PollErrors        = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_poll_errors_total", Help: "Status refreshes that failed"})
	ActiveRunsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_runs_active", Help: "Runs not yet terminal"})
	Imports           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_imports_total", Help: "Dataset imports by result"}, []string{"result"})
	JobsUpserted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_jobs_upserted_total", Help: "Job records written by outcome"}, []string{"outcome"})
	DuplicatesRemoved = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_duplicates_removed_total", Help: "Job records removed by dedupe sweeps"})
	ImportDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_import_duration_seconds",
		Help:    "Wall time of a dataset import",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunStartFailures,
			RateLimitRejects,
			PollErrors,
			ActiveRunsGauge,
			Imports,
			JobsUpserted,
			DuplicatesRemoved,
			ImportDuration,
		)
	})
	return promhttp.Handler()
}
