package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "import_jobs_enqueued_total", Help: "Discovery jobs enqueued"}, []string{"queue"})
	JobsProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "import_jobs_processed_total", Help: "Jobs finished by outcome status"}, []string{"status"})
	JobsRedelivered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_jobs_left_for_redelivery_total", Help: "Jobs left in flight after a retryable failure"})
	JobsPurged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_jobs_purged_total", Help: "Jobs removed by cancellation"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "import_queue_depth", Help: "Ready messages per queue"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "import_queue_inflight", Help: "Claimed messages per queue"}, []string{"queue"})
	FetchRequests    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fetch_requests_total", Help: "Source fetches by outcome"}, []string{"outcome"})
	FetchDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "fetch_duration_seconds", Help: "Source fetch latency", Buckets: prometheus.DefBuckets})
	CacheLookups     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "extract_cache_lookups_total", Help: "Dedup cache lookups by tier and result"}, []string{"tier", "result"})
	CatalogRequests  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_requests_total", Help: "Target catalog API calls"}, []string{"method", "code"})
	ImagesMirrored   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "images_mirrored_total", Help: "Image mirror attempts by outcome"}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsProcessed,
			JobsRedelivered,
			JobsPurged,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			FetchRequests,
			FetchDuration,
			CacheLookups,
			CatalogRequests,
			ImagesMirrored,
		)
	})
	return promhttp.Handler()
}
