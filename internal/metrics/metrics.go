// Package metrics exposes a small HTTP endpoint for host-level
// observability of the running broker: liveness plus a handful of
// Prometheus gauges/histograms for active sessions and node RPC
// latency. It is independent of the NX wire protocol itself, so it
// never touches client-visible behavior.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metrics a session broker process reports.
type Registry struct {
	ActiveSessions  prometheus.Gauge
	SessionsStarted *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
}

// NewRegistry creates and registers a fresh Registry against reg. If reg
// is nil, prometheus.NewRegistry() is used so callers get an isolated
// registry rather than polluting prometheus.DefaultRegisterer (useful in
// tests and when multiple brokers share a process).
func NewRegistry(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Registry{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "neatxd_active_sessions",
			Help: "Number of sessions currently tracked by the broker.",
		}),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neatxd_sessions_started_total",
			Help: "Session lifecycle transitions handled by the broker.",
		}, []string{"action"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "neatxd_node_rpc_duration_seconds",
			Help:    "Latency of broker-to-node-daemon RPC calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}

	reg.MustRegister(m.ActiveSessions, m.SessionsStarted, m.RPCDuration)
	return m
}

// ObserveRPC records the duration of a single node RPC call.
func (m *Registry) ObserveRPC(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(command).Observe(d.Seconds())
}

// RecordSessionAction increments the counter for a session lifecycle
// action (start, attach, restore, terminate).
func (m *Registry) RecordSessionAction(action string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(action).Inc()
}

// SetActiveSessions updates the active-sessions gauge.
func (m *Registry) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Handler returns an http.Handler serving /healthz and /metrics for a
// broker process, backed by the given Prometheus gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
