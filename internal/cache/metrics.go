package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	metricSize            = "poi_cache_size"
	metricUpserts         = "poi_cache_upserts_total"
	metricStaleDiscarded  = "poi_cache_stale_writes_discarded_total"
	metricRefetchFailures = "poi_cache_refetch_failures_total"
)

// Metrics holds the cache instrumentation.
type Metrics struct {
	size            prometheus.Gauge
	upserts         prometheus.Counter
	staleDiscarded  prometheus.Counter
	refetchFailures prometheus.Counter
}

// NewMetrics creates the cache metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricSize,
			Help: "Number of POIs currently held in the cache.",
		}),
		upserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricUpserts,
			Help: "Total identity-based upserts applied to the cache.",
		}),
		staleDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricStaleDiscarded,
			Help: "Total cache writes discarded because a newer write for the same id was already applied.",
		}),
		refetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricRefetchFailures,
			Help: "Total feed-triggered refetches that failed and were dropped.",
		}),
	}
}

// Register registers all cache metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.size, m.upserts, m.staleDiscarded, m.refetchFailures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
