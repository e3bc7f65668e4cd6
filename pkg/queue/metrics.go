package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamnet/metric"
)

// queueMetrics mirrors Statistics into Prometheus. Counters are driven by
// deltas against the last exported value so Statistics stays the source.
type queueMetrics struct {
	depth    prometheus.Gauge
	requeues prometheus.Counter
	drops    prometheus.Counter

	lastRequeues int64
	lastDrops    int64
}

func newQueueMetrics(registry *metric.MetricsRegistry, prefix string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": prefix}
	m := &queueMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "depth",
			ConstLabels: labels,
			Help:        "Frames currently queued",
		}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "requeues_total",
			ConstLabels: labels,
			Help:        "Frames put back at the head after a blocked send",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Frames discarded by the overflow policy",
		}),
	}

	if err := registry.RegisterGauge(prefix, "queue_depth", m.depth); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_requeues", m.requeues); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_drops", m.drops); err != nil {
		return nil, err
	}
	return m, nil
}

// record is called with the queue lock held.
func (m *queueMetrics) record(s *Statistics, size int) {
	m.depth.Set(float64(size))
	if r := s.Requeues(); r > m.lastRequeues {
		m.requeues.Add(float64(r - m.lastRequeues))
		m.lastRequeues = r
	}
	if d := s.Drops(); d > m.lastDrops {
		m.drops.Add(float64(d - m.lastDrops))
		m.lastDrops = d
	}
}
