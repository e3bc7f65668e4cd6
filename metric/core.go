package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by this module.
const Namespace = "streamnet"

// Metrics holds the process-wide transfer metrics. Per-handler detail
// (stats events, queue depth) is registered by the owning handler.
type Metrics struct {
	HandlerStatus  *prometheus.GaugeVec
	SocketsOpen    *prometheus.GaugeVec
	SendRetries    *prometheus.CounterVec
	TransferEvents *prometheus.CounterVec
	FrameBytes     *prometheus.HistogramVec
	AckLatency     *prometheus.HistogramVec
	LoopPasses     *prometheus.CounterVec
	LoopIdle       *prometheus.CounterVec
	NATSConnected  prometheus.Gauge
}

// NewMetrics creates the core metric vectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		HandlerStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "handler",
				Name:      "status",
				Help:      "Handler status (0=registered, 1=running, 2=closed)",
			},
			[]string{"handler", "role"},
		),
		SocketsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "socket",
				Name:      "open",
				Help:      "Sockets currently open by owner role",
			},
			[]string{"owner"},
		),
		SendRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transfer",
				Name:      "send_retries_total",
				Help:      "Frames re-queued at the head after a would-block send",
			},
			[]string{"handler"},
		),
		FrameBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "transfer",
				Name:      "frame_bytes",
				Help:      "Size of frames written by data writers",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
			},
			[]string{"handler"},
		),
		AckLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "transfer",
				Name:      "ack_latency_seconds",
				Help:      "Time from a buffer's first send to its acknowledgment",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"handler"},
		),
		TransferEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transfer",
				Name:      "events_total",
				Help:      "Protocol events per handler, keyed by channel id or peer node",
			},
			[]string{"handler", "event", "key"},
		),
		LoopPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ioloop",
				Name:      "passes_total",
				Help:      "Poll passes over a worker's socket partition",
			},
			[]string{"worker"},
		),
		LoopIdle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ioloop",
				Name:      "idle_waits_total",
				Help:      "Passes that made no progress and parked the worker",
			},
			[]string{"worker"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HandlerStatus,
		m.SocketsOpen,
		m.SendRetries,
		m.TransferEvents,
		m.FrameBytes,
		m.AckLatency,
		m.LoopPasses,
		m.LoopIdle,
		m.NATSConnected,
	}
}

// RecordHandlerStatus sets the status gauge for a handler.
func (m *Metrics) RecordHandlerStatus(handler, role string, status int) {
	m.HandlerStatus.WithLabelValues(handler, role).Set(float64(status))
}

// RecordNATSStatus records the NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}
