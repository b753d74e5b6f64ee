package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ledger movement directions.
const (
	DirectionDeposit = "deposit"
	DirectionRefund  = "refund"
)

type transferMetrics struct {
	movements *prometheus.CounterVec
	amounts   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

var (
	transferMetricsOnce sync.Once
	transferRegistry    *transferMetrics
)

// Transfers returns the registry tracking ledger movements into and out of
// escrow.
func Transfers() *transferMetrics {
	transferMetricsOnce.Do(func() {
		transferRegistry = &transferMetrics{
			movements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "transfers_total",
				Help:      "Count of ledger movements segmented by direction and outcome.",
			}, []string{"direction", "outcome"}),
			amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "transferred_amount_total",
				Help:      "Sum of confirmed ledger movements in the smallest value unit.",
			}, []string{"direction"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "transfer_duration_seconds",
				Help:      "Latency of ledger calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"direction"}),
		}
		prometheus.MustRegister(transferRegistry.movements, transferRegistry.amounts, transferRegistry.latency)
	})
	return transferRegistry
}

// Record captures one ledger call. The amount only counts when the call
// succeeded.
func (m *transferMetrics) Record(direction string, amount uint64, dur time.Duration, err error) {
	if m == nil {
		return
	}
	direction = normaliseLabel(direction, "unknown")
	m.latency.WithLabelValues(direction).Observe(dur.Seconds())
	if err != nil {
		m.movements.WithLabelValues(direction, "error").Inc()
		return
	}
	m.movements.WithLabelValues(direction, "ok").Inc()
	m.amounts.WithLabelValues(direction).Add(float64(amount))
}
