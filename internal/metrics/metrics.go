package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Route analytics
	AggregationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "route_aggregations_total",
			Help: "Total number of route statistics snapshots computed",
		},
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "route_aggregation_duration_seconds",
			Help:    "Time spent computing a route snapshot",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	RouteSamples = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "route_samples",
			Help:    "Number of samples per loaded route",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		},
	)

	SnapshotCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_cache_hits_total",
			Help: "Route snapshots served from cache",
		},
	)

	SnapshotCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_cache_misses_total",
			Help: "Route snapshots that had to be computed",
		},
	)

	// Playback
	PlaybackSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "playback_sessions_active",
			Help: "Number of open playback sessions",
		},
	)

	PlaybackStateChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playback_state_changes_total",
			Help: "Playback state changes published to observers",
		},
	)

	PlaybackRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playback_rejected_total",
			Help: "Playback commands rejected as invalid",
		},
		[]string{"command"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Active playback stream connections",
		},
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Storage
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlite_query_duration_seconds",
			Help:    "Duration of SQLite queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	IngestedSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingested_samples_total",
			Help: "Telemetry samples written to the store",
		},
		[]string{"source"},
	)
)

// RecordAggregation records one snapshot computation
func RecordAggregation(samples int, duration time.Duration) {
	AggregationsTotal.Inc()
	AggregationDuration.Observe(duration.Seconds())
	RouteSamples.Observe(float64(samples))
}

// RecordCacheLookup counts a snapshot cache hit or miss
func RecordCacheLookup(hit bool) {
	if hit {
		SnapshotCacheHits.Inc()
		return
	}
	SnapshotCacheMisses.Inc()
}

// RecordAPIRequest records an HTTP request
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDBQuery records a store query
func RecordDBQuery(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
