package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolver metrics
	DecisionsTotal   *prometheus.CounterVec
	ResolveDuration  prometheus.Histogram
	StoreErrorsTotal prometheus.Counter
	AuditWritesTotal *prometheus.CounterVec
	MutationsTotal   *prometheus.CounterVec

	// Allow-list cache metrics
	SnapshotHitsTotal     prometheus.Counter
	SnapshotMissesTotal   prometheus.Counter
	SnapshotStaleTotal    prometheus.Counter
	SnapshotRebuildsTotal prometheus.Counter

	// Gateway metrics
	GatewayForwardsTotal *prometheus.CounterVec
	GatewayRetriesTotal  prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_authz_decisions_total",
				Help: "Authorization decisions by outcome",
			},
			[]string{"decision"},
		),
		ResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_authz_resolve_duration_seconds",
				Help:    "Time spent answering one authorization query",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		StoreErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_authz_store_errors_total",
				Help: "Backing-store failures observed during resolution (availability signal)",
			},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_writes_total",
				Help: "Audit entries written, by outcome",
			},
			[]string{"status"},
		),
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_mutations_total",
				Help: "Permission-relevant mutations, by entity and outcome",
			},
			[]string{"entity", "status"},
		),
		SnapshotHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_allowlist_snapshot_hits_total",
				Help: "Allow-list snapshot cache hits",
			},
		),
		SnapshotMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_allowlist_snapshot_misses_total",
				Help: "Allow-list snapshot cache misses",
			},
		),
		SnapshotStaleTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_allowlist_snapshot_stale_total",
				Help: "Cached snapshots discarded because their generation lagged",
			},
		),
		SnapshotRebuildsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_allowlist_snapshot_rebuilds_total",
				Help: "Allow-list snapshots recomputed from the store",
			},
		),
		GatewayForwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_gateway_forwards_total",
				Help: "Requests forwarded to the conversational gateway, by outcome",
			},
			[]string{"status"},
		),
		GatewayRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_gateway_retries_total",
				Help: "Retry attempts against the conversational gateway",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.ResolveDuration,
		m.StoreErrorsTotal,
		m.AuditWritesTotal,
		m.MutationsTotal,
		m.SnapshotHitsTotal,
		m.SnapshotMissesTotal,
		m.SnapshotStaleTotal,
		m.SnapshotRebuildsTotal,
		m.GatewayForwardsTotal,
		m.GatewayRetriesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records metrics for a completed HTTP request
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
