package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voidheim/dbgate/pkg/packet"
)

// packetMetrics is the Prometheus implementation of packet.RouterMetrics.
type packetMetrics struct {
	packets    *prometheus.CounterVec
	packetDur  prometheus.Histogram
	queueDepth prometheus.Gauge
	dropped    *prometheus.CounterVec
}

// NewRouterMetrics creates a Prometheus-backed packet.RouterMetrics, or nil
// when metrics are disabled.
func NewRouterMetrics() packet.RouterMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &packetMetrics{
		packets: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dbgate_packets_total",
			Help: "Packets processed by type and result code",
		}, []string{"type", "result"}),
		packetDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "dbgate_packet_duration_seconds",
			Help:    "Packet handler duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dbgate_packet_queue_depth",
			Help: "Depth of the packet task queue",
		}),
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dbgate_packets_dropped_total",
			Help: "Packets dropped before dispatch, by reason (overload, timeout, invalid)",
		}, []string{"reason"}),
	}
}

func (m *packetMetrics) RecordPacket(packetType string, result string, d time.Duration) {
	m.packets.WithLabelValues(packetType, result).Inc()
	m.packetDur.Observe(d.Seconds())
}

func (m *packetMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *packetMetrics) RecordDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}
