package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PointsIngested counts location points by source and outcome (accepted, no_session, invalid, error)
	PointsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_points_ingested_total", Help: "Location points by ingestion outcome."},
		[]string{"source", "outcome"},
	)
	// RouteRecomputes counts route recomputations by outcome (ok, skipped, abandoned)
	RouteRecomputes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_route_recomputes_total", Help: "Route recomputations by outcome."},
		[]string{"outcome"},
	)
	// RouteRecomputeDuration tracks how long a full recomputation takes
	RouteRecomputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "tracking_route_recompute_seconds", Help: "Route recomputation duration in seconds.", Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5}},
	)
	// LiveCacheLookups counts live cache reads by slot (fast, last_known) and result (hit, miss, error)
	LiveCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_live_cache_lookups_total", Help: "Live location cache lookups."},
		[]string{"slot", "result"},
	)
	// FanoutEvents counts live events per subscriber by outcome (delivered, dropped, skipped_origin)
	FanoutEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_fanout_events_total", Help: "Live fan-out deliveries by outcome."},
		[]string{"outcome"},
	)
	// JobsSubmitted counts background jobs by kind and outcome (queued, coalesced, dropped, failed)
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_jobs_total", Help: "Background jobs by kind and outcome."},
		[]string{"kind", "outcome"},
	)
)

// RegisterDefault registers collectors to the API registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(PointsIngested)
		Registry.MustRegister(RouteRecomputes)
		Registry.MustRegister(RouteRecomputeDuration)
		Registry.MustRegister(LiveCacheLookups)
		Registry.MustRegister(FanoutEvents)
		Registry.MustRegister(JobsSubmitted)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
