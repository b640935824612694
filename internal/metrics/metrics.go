// Package metrics wraps the Prometheus collectors the gateway exposes
// at /metrics, grounded on adred-codev-ws_poc's go-server-3 Registry
// (promauto + promhttp.Handler).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the gateway updates, backed by its
// own prometheus.Registry rather than the package-global one so that
// more than one gateway Supervisor can coexist in a single process
// (as happens in tests) without a duplicate-registration panic.
type Registry struct {
	reg *prometheus.Registry

	ActiveConnections prometheus.Gauge
	AuthFailures       prometheus.Counter

	MessagesRouted   *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	RateLimited      prometheus.Counter
	HeartbeatTimeout prometheus.Counter
}

// NewRegistry creates and registers every gateway collector against a
// fresh prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mudvault_mesh_connections_active",
			Help: "Number of live peer connections held by this gateway instance",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudvault_mesh_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mudvault_mesh_messages_routed_total",
			Help: "Total number of envelopes routed, labeled by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mudvault_mesh_messages_dropped_total",
			Help: "Total number of outbound frames dropped by the priority queue, labeled by priority",
		}, []string{"priority"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudvault_mesh_rate_limited_total",
			Help: "Total number of envelopes rejected by the rate limiter",
		}),
		HeartbeatTimeout: factory.NewCounter(prometheus.CounterOpts{
			Name: "mudvault_mesh_heartbeat_timeouts_total",
			Help: "Total number of connections drained due to heartbeat timeout",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry's collectors
// in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
