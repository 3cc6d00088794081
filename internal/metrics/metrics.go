package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "catalog"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	}, []string{"method", "path"})

	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Total upstream provider calls by provider, operation and result status.",
	}, []string{"provider", "operation", "status"})

	UpstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_request_duration_seconds",
		Help:      "Upstream provider call duration in seconds, retries included.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider", "operation"})

	UpstreamRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_retries_total",
		Help:      "Backoff retries issued after rate-limit or transient upstream errors.",
	}, []string{"provider"})

	UpstreamFallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_fallbacks_total",
		Help:      "Calls redirected to the alternate metadata endpoint, by result status.",
	}, []string{"status"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metadata_cache_hits_total",
		Help:      "Total number of metadata cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metadata_cache_misses_total",
		Help:      "Total number of metadata cache misses.",
	})

	SubqueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_subqueries_total",
		Help:      "Progressive search sub-queries by status.",
	}, []string{"status"})

	CandidatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candidates_total",
		Help:      "Reconciled candidates by outcome.",
	}, []string{"outcome"})

	StoreConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_conflicts_recovered_total",
		Help:      "Uniqueness conflicts resolved by re-reading the existing row.",
	}, []string{"table"})

	StoreReadRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_read_retries_total",
		Help:      "Reads retried after a connectivity error, by result status.",
	}, []string{"status"})

	RefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refreshes_total",
		Help:      "Refresh policy decisions and refresh task results.",
	}, []string{"result"})

	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Background jobs by type and status.",
	}, []string{"type", "status"})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Connected catalog event subscribers.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		UpstreamRetriesTotal,
		UpstreamFallbacksTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		SubqueriesTotal,
		CandidatesTotal,
		StoreConflictsTotal,
		StoreReadRetriesTotal,
		RefreshesTotal,
		JobsTotal,
		WSClients,
	)
}
