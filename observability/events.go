package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type deliveryMetrics struct {
	deliveries *prometheus.CounterVec
}

var (
	deliveryMetricsOnce sync.Once
	deliveryRegistry    *deliveryMetrics
)

// Deliveries returns the registry tracking webhook delivery attempts.
func Deliveries() *deliveryMetrics {
	deliveryMetricsOnce.Do(func() {
		deliveryRegistry = &deliveryMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Count of webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(deliveryRegistry.deliveries)
	})
	return deliveryRegistry
}

// RecordDelivery increments the webhook delivery counter.
func (m *deliveryMetrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(normaliseLabel(outcome, "error")).Inc()
}
