// ABOUTME: Prometheus collectors for routing and connection activity.
// ABOUTME: Uses a private registry so tests can instantiate freely.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exported at the metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections *prometheus.GaugeVec
	EnvelopesRouted   *prometheus.CounterVec
	EnvelopesRejected *prometheus.CounterVec
	QueueDrops        prometheus.Counter
	PendingRequests   prometheus.Gauge
	AuthFailures      *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "active_connections",
			Help:      "Live connections by identity kind.",
		}, []string{"kind"}),
		EnvelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "envelopes_routed_total",
			Help:      "Envelopes accepted by the router, by message type.",
		}, []string{"type"}),
		EnvelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "envelopes_rejected_total",
			Help:      "Envelopes refused by the router, by rejection code.",
		}, []string{"code"}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "queue_drops_total",
			Help:      "Status envelopes evicted under the drop-oldest policy.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "pending_requests",
			Help:      "Outstanding correlated tool-calls.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "auth_failures_total",
			Help:      "Rejected handshakes, by failure class.",
		}, []string{"class"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.EnvelopesRouted,
		m.EnvelopesRejected,
		m.QueueDrops,
		m.PendingRequests,
		m.AuthFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
