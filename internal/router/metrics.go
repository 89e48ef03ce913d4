package router

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the router's Prometheus surface. All recording methods are
// nil-safe so tests can run without a registry.
type Metrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	frameErrors       *prometheus.CounterVec
	frameLatency      *prometheus.HistogramVec
	duplicates        prometheus.Counter
	offlineDrops      prometheus.Counter
	handshakes        *prometheus.CounterVec
	decrypts          *prometheus.CounterVec
}

// NewMetrics registers the router metric set, against the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veil_connections_active",
			Help: "Current number of attached principal connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_connections_total",
			Help: "Total connections attached since start.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_router_errors_total",
			Help: "Frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_router_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_frames_duplicate_total",
			Help: "Frames suppressed by the delivery deduplicator.",
		}),
		offlineDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_forward_offline_total",
			Help: "Forward attempts to recipients with no live connection.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_key_exchanges_total",
			Help: "Key exchange events grouped by outcome.",
		}, []string{"result"}),
		decrypts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_decrypts_total",
			Help: "Envelope decrypt attempts grouped by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.frameErrors,
		m.frameLatency,
		m.duplicates,
		m.offlineDrops,
		m.handshakes,
		m.decrypts,
	)
	return m
}

func (m *Metrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) recordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) recordOffline() {
	if m == nil {
		return
	}
	m.offlineDrops.Inc()
}

func (m *Metrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) recordDecrypt(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.decrypts.WithLabelValues(result).Inc()
}

func (m *Metrics) observeFrame(op string, dur time.Duration, err error) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
	if err != nil {
		m.frameErrors.WithLabelValues(errorCode(err)).Inc()
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownPrincipal):
		return "unknown_principal"
	case errors.Is(err, ErrRecipientOffline):
		return "recipient_offline"
	default:
		return "invalid_frame"
	}
}
