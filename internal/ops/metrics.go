package ops

import "github.com/prometheus/client_golang/prometheus"

const (
	metricOperations = "poi_operations_total"
	metricRejections = "poi_operations_rejected_inflight_total"
)

// Operation outcomes recorded on the counter.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Metrics holds the orchestrator instrumentation.
type Metrics struct {
	operations *prometheus.CounterVec
	rejections prometheus.Counter
}

// NewMetrics creates the orchestrator metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricOperations,
			Help: "Total POI mutations by operation kind and outcome.",
		}, []string{"kind", "outcome"}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricRejections,
			Help: "Total mutations rejected because another operation was in flight.",
		}),
	}
}

// Register registers all orchestrator metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.operations, m.rejections} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(kind string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rejections.Inc()
}
