package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Fetch metrics
	Fetches             *prometheus.CounterVec
	FetchLatency        *prometheus.HistogramVec
	CoalescedFetches    *prometheus.CounterVec
	BackgroundRefreshes *prometheus.CounterVec
	SnapshotAge         *prometheus.HistogramVec

	// Platform metrics
	PlatformRequests *prometheus.CounterVec
	PlatformLatency  *prometheus.HistogramVec
	PlatformRetries  *prometheus.CounterVec

	// Store metrics
	StoreOps     *prometheus.CounterVec
	StoreLatency *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Metric fetches by provenance and outcome",
			},
			[]string{"platform", "data_source", "outcome"},
		),
		FetchLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "End-to-end fetch latency in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"platform", "data_source"},
		),
		CoalescedFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_fetches_total",
				Help:      "Fetches that joined an in-flight platform fetch for the same key",
			},
			[]string{"platform"},
		),
		BackgroundRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "background_refreshes_total",
				Help:      "Stale-while-revalidate refreshes by outcome",
			},
			[]string{"platform", "outcome"},
		),
		SnapshotAge: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_age_seconds",
				Help:      "Age of cached snapshots when served",
				Buckets:   []float64{60, 300, 900, 1800, 3600, 3 * 3600, 6 * 3600, 24 * 3600},
			},
			[]string{"platform", "granularity"},
		),

		PlatformRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_requests_total",
				Help:      "Upstream platform HTTP requests by outcome",
			},
			[]string{"platform", "outcome"},
		),
		PlatformLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "platform_request_duration_seconds",
				Help:      "Upstream platform request latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"platform"},
		),
		PlatformRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_retries_total",
				Help:      "Retries of platform fetches by error kind",
			},
			[]string{"platform", "kind"},
		),

		StoreOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Snapshot and summary store operations",
			},
			[]string{"store", "op", "outcome"},
		),
		StoreLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Store operation latency in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
			[]string{"store", "op"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Inbound HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Inbound HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the inbound rate limiter",
			},
			[]string{"endpoint"},
		),

		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "PostgreSQL pool connections by state",
			},
			[]string{"state"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordFetch records a completed orchestrator fetch.
func (m *Metrics) RecordFetch(platform, dataSource, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(platform, dataSource, outcome).Inc()
	m.FetchLatency.WithLabelValues(platform, dataSource).Observe(latency.Seconds())
}

// RecordCoalesced records a fetch that shared another caller's platform call.
func (m *Metrics) RecordCoalesced(platform string) {
	if m == nil {
		return
	}
	m.CoalescedFetches.WithLabelValues(platform).Inc()
}

// RecordBackgroundRefresh records the outcome of a stale-while-revalidate refresh.
func (m *Metrics) RecordBackgroundRefresh(platform string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BackgroundRefreshes.WithLabelValues(platform, outcome).Inc()
}

// RecordSnapshotAge records the age of a served snapshot.
func (m *Metrics) RecordSnapshotAge(platform, granularity string, age time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotAge.WithLabelValues(platform, granularity).Observe(age.Seconds())
}

// ObservePlatformRequest records one upstream HTTP request.
func (m *Metrics) ObservePlatformRequest(platform, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.PlatformRequests.WithLabelValues(platform, outcome).Inc()
	m.PlatformLatency.WithLabelValues(platform).Observe(latency.Seconds())
}

// RecordRetry records a retry of a platform fetch.
func (m *Metrics) RecordRetry(platform, kind string) {
	if m == nil {
		return
	}
	m.PlatformRetries.WithLabelValues(platform, kind).Inc()
}

// RecordStoreOp records a store operation.
func (m *Metrics) RecordStoreOp(store, op string, err error, latency time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreOps.WithLabelValues(store, op, outcome).Inc()
	m.StoreLatency.WithLabelValues(store, op).Observe(latency.Seconds())
}

// RecordHTTPRequest records an inbound request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
