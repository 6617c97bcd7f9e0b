// Package metrics defines the Prometheus instrumentation for worldsync.
//
// Metrics live on an explicitly constructed Registry rather than the package
// default so that tests and multiple logical worlds never share counter state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all worldsync application metrics.
type Registry struct {
	reg *prometheus.Registry

	// ConnectionsActive is the number of live WebSocket connections.
	ConnectionsActive prometheus.Gauge

	// SubscriptionsActive is the number of connections eligible for broadcast.
	SubscriptionsActive prometheus.Gauge

	// BroadcastsTotal counts delta broadcasts (one per allocated seq).
	BroadcastsTotal prometheus.Counter

	// EventsTotal counts individual delta events by type.
	EventsTotal *prometheus.CounterVec

	// ReplayedTotal counts envelopes replayed from the ring buffer on resume.
	ReplayedTotal prometheus.Counter

	// SnapshotFallbacksTotal counts resume attempts downgraded to a snapshot,
	// by reason (no_token, invalid_token, foreign_user, expired, future_ts,
	// boot_mismatch, evicted).
	SnapshotFallbacksTotal *prometheus.CounterVec

	// ProtocolErrorsTotal counts world.error messages sent, by code.
	ProtocolErrorsTotal *prometheus.CounterVec

	// HTTPRequestsTotal counts producer API requests by method, path, status.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPDuration observes producer API request durations in seconds.
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Registry with all metrics registered on a private
// prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worldsync_connections_active",
			Help: "Number of live WebSocket connections",
		}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worldsync_subscriptions_active",
			Help: "Number of connections subscribed to world broadcasts",
		}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "worldsync_broadcasts_total",
			Help: "Total delta broadcasts (one per allocated sequence number)",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_events_total",
			Help: "Total delta events broadcast, by event type",
		}, []string{"type"}),
		ReplayedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "worldsync_replayed_messages_total",
			Help: "Total envelopes replayed from the ring buffer on resume",
		}),
		SnapshotFallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_snapshot_fallbacks_total",
			Help: "Resume attempts downgraded to a full snapshot, by reason",
		}, []string{"reason"}),
		ProtocolErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_protocol_errors_total",
			Help: "world.error messages sent to clients, by error code",
		}, []string{"code"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_http_requests_total",
			Help: "Producer API requests by method, path, and status code",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worldsync_http_request_duration_seconds",
			Help:    "Producer API request duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		}, []string{"method", "path"}),
	}
}

// Handler returns an http.Handler serving the Prometheus exposition format
// for this registry only.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
