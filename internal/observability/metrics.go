package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the application. Each collector
// owns its registry, so tests can build isolated instances without duplicate
// registration panics.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Sync engine metrics
	Reconciliations *prometheus.CounterVec
	StoreMutations  *prometheus.CounterVec
	LocksGranted    prometheus.Counter
	LocksDenied     prometheus.Counter
	LocksExpired    prometheus.Counter
	Saves           *prometheus.CounterVec

	// Realtime gateway metrics
	WSConnections prometheus.Gauge
	WSEvents      prometheus.Counter
}

// Reconciliation outcomes
const (
	ReconcileMerged    = "merged"
	ReconcileUnchanged = "unchanged"
	ReconcileSkipped   = "skipped"
)

// Mutation statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// NewCollector creates a new metrics collector with the given namespace
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	reconciliations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Remote snapshot reconciliations by outcome",
		},
		[]string{"outcome"},
	)

	storeMutations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_mutations_total",
			Help:      "Shared document store mutations by operation and status",
		},
		[]string{"operation", "status"},
	)

	locksGranted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_granted_total",
			Help:      "Node lock acquisitions that succeeded",
		},
	)

	locksDenied := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_denied_total",
			Help:      "Node lock acquisitions denied because another user holds the lock",
		},
	)

	locksExpired := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_expired_total",
			Help:      "Node locks reaped by the expiry sweep",
		},
	)

	saves := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_saves_total",
			Help:      "Best-effort graph persistence attempts by status",
		},
		[]string{"status"},
	)

	wsConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Currently connected WebSocket clients",
		},
	)

	wsEvents := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_relayed_total",
			Help:      "Events fanned out to WebSocket clients",
		},
	)

	registry.MustRegister(
		httpRequests,
		httpDuration,
		reconciliations,
		storeMutations,
		locksGranted,
		locksDenied,
		locksExpired,
		saves,
		wsConnections,
		wsEvents,
	)

	return &Collector{
		registry:        registry,
		HTTPRequests:    httpRequests,
		HTTPDuration:    httpDuration,
		Reconciliations: reconciliations,
		StoreMutations:  storeMutations,
		LocksGranted:    locksGranted,
		LocksDenied:     locksDenied,
		LocksExpired:    locksExpired,
		Saves:           saves,
		WSConnections:   wsConnections,
		WSEvents:        wsEvents,
	}
}

// GetRegistry returns the Prometheus registry for this collector
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}
