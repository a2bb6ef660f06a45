// Package metrics exposes Prometheus instrumentation for the multiplexer.
// All methods are safe on a nil *Metrics so callers never need to check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termmux"

// Metrics holds the collectors registered for one server.
type Metrics struct {
	registry *prometheus.Registry

	sessions     *prometheus.GaugeVec
	created      prometheus.Counter
	rejected     prometheus.Counter
	connections  prometheus.Gauge
	attaches     *prometheus.CounterVec
	detaches     *prometheus.CounterVec
	outputBytes  prometheus.Counter
	inputBytes   prometheus.Counter
	replayBytes  prometheus.Histogram
	authFailures prometheus.Counter
}

// New creates a Metrics with its own registry, including Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Registered sessions by status.",
		}, []string{"status"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created since start.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Create requests rejected by a session cap.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		attaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attaches_total",
			Help:      "Attach operations by replay mode.",
		}, []string{"mode"}),
		detaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detaches_total",
			Help:      "Subscriptions ended, by reason.",
		}, []string{"reason"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes emitted by session processes.",
		}),
		inputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Bytes written to session processes.",
		}),
		replayBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_bytes",
			Help:      "Size of replay snapshots sent on attach.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 7),
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected WebSocket handshakes.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions,
		m.created,
		m.rejected,
		m.connections,
		m.attaches,
		m.detaches,
		m.outputBytes,
		m.inputBytes,
		m.replayBytes,
		m.authFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetSessions publishes the current number of active and exited sessions.
func (m *Metrics) SetSessions(active, exited int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues("active").Set(float64(active))
	m.sessions.WithLabelValues("exited").Set(float64(exited))
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Attached counts an attach and, when replay was sent, its size.
func (m *Metrics) Attached(mode string, replayBytes int) {
	if m == nil {
		return
	}
	m.attaches.WithLabelValues(mode).Inc()
	if replayBytes > 0 {
		m.replayBytes.Observe(float64(replayBytes))
	}
}

func (m *Metrics) Detached(reason string) {
	if m == nil {
		return
	}
	m.detaches.WithLabelValues(reason).Inc()
}

func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.outputBytes.Add(float64(n))
}

func (m *Metrics) Input(n int) {
	if m == nil {
		return
	}
	m.inputBytes.Add(float64(n))
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}
