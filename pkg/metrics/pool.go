package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voidheim/dbgate/pkg/pool"
)

// poolMetrics is the Prometheus implementation of pool.PoolMetrics.
type poolMetrics struct {
	connections  *prometheus.GaugeVec
	queries      *prometheus.CounterVec
	queryDur     prometheus.Histogram
	waitDur      prometheus.Histogram
	asyncQueue   prometheus.Gauge
	transactions *prometheus.CounterVec
}

// NewPoolMetrics creates a Prometheus-backed pool.PoolMetrics.
//
// Returns nil when metrics are disabled, which makes the pool fall back to
// its no-op implementation.
func NewPoolMetrics() pool.PoolMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &poolMetrics{
		connections: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbgate_pool_connections",
			Help: "Number of pool connections by state",
		}, []string{"state"}),
		queries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dbgate_pool_queries_total",
			Help: "Total queries executed through the pool",
		}, []string{"status"}),
		queryDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "dbgate_pool_query_duration_seconds",
			Help:    "Query execution duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		waitDur: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "dbgate_pool_wait_seconds",
			Help:    "Time spent waiting for a free connection",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		asyncQueue: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dbgate_pool_async_queue_depth",
			Help: "Depth of the asynchronous query queue",
		}),
		transactions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dbgate_pool_transactions_total",
			Help: "Total transactions by terminal state",
		}, []string{"state"}),
	}
}

func (m *poolMetrics) SetConnections(state string, n int) {
	m.connections.WithLabelValues(state).Set(float64(n))
}

func (m *poolMetrics) RecordQuery(status string, d time.Duration) {
	m.queries.WithLabelValues(status).Inc()
	m.queryDur.Observe(d.Seconds())
}

func (m *poolMetrics) RecordWait(d time.Duration) {
	m.waitDur.Observe(d.Seconds())
}

func (m *poolMetrics) SetAsyncQueueDepth(n int) {
	m.asyncQueue.Set(float64(n))
}

func (m *poolMetrics) RecordTransaction(state string) {
	m.transactions.WithLabelValues(state).Inc()
}
