package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voidheim/dbgate/pkg/cache"
)

// cacheMetrics is the Prometheus implementation of cache.CacheMetrics.
type cacheMetrics struct {
	lookups   *prometheus.CounterVec
	evictions *prometheus.CounterVec
	syncs     *prometheus.CounterVec
	entries   *prometheus.GaugeVec
	dirty     prometheus.Gauge
}

// NewCacheMetrics creates a Prometheus-backed cache.CacheMetrics, or nil
// when metrics are disabled.
func NewCacheMetrics() cache.CacheMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &cacheMetrics{
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dbgate_cache_lookups_total",
			Help: "Cache lookups by outcome (hit, miss, load, load_failed)",
		}, []string{"outcome"}),
		evictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dbgate_cache_evictions_total",
			Help: "Cache evictions by reason (expired, capacity)",
		}, []string{"reason"}),
		syncs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dbgate_cache_syncs_total",
			Help: "Dirty entry syncs by status",
		}, []string{"status"}),
		entries: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbgate_cache_entries",
			Help: "Current cache entries per entity type",
		}, []string{"entity"}),
		dirty: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dbgate_cache_dirty_entries",
			Help: "Current number of dirty cache entries",
		}),
	}
}

func (m *cacheMetrics) RecordLookup(outcome string) {
	m.lookups.WithLabelValues(outcome).Inc()
}

func (m *cacheMetrics) RecordEviction(reason string) {
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *cacheMetrics) RecordSync(status string) {
	m.syncs.WithLabelValues(status).Inc()
}

func (m *cacheMetrics) SetEntries(entity string, n int) {
	m.entries.WithLabelValues(entity).Set(float64(n))
}

func (m *cacheMetrics) SetDirty(n int) {
	m.dirty.Set(float64(n))
}
