// Package metrics exposes the networking core's counters and gauges via a
// dedicated Prometheus registry, rather than the global default registry,
// so a process embedding multiple nodes never collides on metric names.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the networking core.
type Metrics struct {
	registry *prometheus.Registry

	PeerCount        prometheus.Gauge
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	RateLimitDenials *prometheus.CounterVec
	ErrorsByKind     *prometheus.CounterVec
	SyncHeight       prometheus.Gauge
	TargetHeight     prometheus.Gauge
	SyncInProgress   prometheus.Gauge
	HandshakeTotal   prometheus.Counter
	ReapedPeers      prometheus.Counter
}

// New constructs a Metrics bound to a fresh registry and registers every
// instrument.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synnergy_network_peer_count",
			Help: "Number of currently active peer sessions.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synnergy_network_messages_sent_total",
			Help: "Messages sent, labeled by message type.",
		}, []string{"type"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synnergy_network_messages_received_total",
			Help: "Messages received, labeled by message type.",
		}, []string{"type"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synnergy_network_bytes_sent_total",
			Help: "Total bytes written to peer connections.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synnergy_network_bytes_received_total",
			Help: "Total bytes read from peer connections.",
		}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synnergy_network_rate_limit_denials_total",
			Help: "Rate limit denials, labeled by reason.",
		}, []string{"reason"}),
		ErrorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synnergy_network_errors_total",
			Help: "Network errors, labeled by kind.",
		}, []string{"kind"}),
		SyncHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synnergy_network_sync_height",
			Help: "Local blockchain height reached by the last sync run.",
		}),
		TargetHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synnergy_network_sync_target_height",
			Help: "Target height of the current or last sync run.",
		}),
		SyncInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synnergy_network_sync_in_progress",
			Help: "1 if a sync run is currently active, else 0.",
		}),
		HandshakeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synnergy_network_handshakes_total",
			Help: "Completed handshakes, inbound and outbound.",
		}),
		ReapedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synnergy_network_reaped_peers_total",
			Help: "Peer sessions reaped for inactivity or timeout.",
		}),
	}

	reg.MustRegister(
		m.PeerCount, m.MessagesSent, m.MessagesReceived, m.BytesSent, m.BytesReceived,
		m.RateLimitDenials, m.ErrorsByKind, m.SyncHeight, m.TargetHeight, m.SyncInProgress,
		m.HandshakeTotal, m.ReapedPeers,
	)
	return m
}

// Mount attaches the /metrics exposition handler to r. This is the only
// HTTP surface the networking core exposes: observability, not a business
// API.
func (m *Metrics) Mount(r chi.Router) {
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Handler returns a standalone http.Handler for /metrics, for callers that
// don't want to set up a chi.Router.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
