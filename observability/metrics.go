package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type agreementMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
}

var (
	agreementMetricsOnce sync.Once
	agreementRegistry    *agreementMetrics
)

// Agreements returns the lazily-initialised registry recording escrow
// agreement operations.
func Agreements() *agreementMetrics {
	agreementMetricsOnce.Do(func() {
		agreementRegistry = &agreementMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "agreement",
				Name:      "operations_total",
				Help:      "Total agreement operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "agreement",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for agreement operations including persistence.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			agreementRegistry.operations,
			agreementRegistry.latency,
			agreementRegistry.throttles,
		)
	})
	return agreementRegistry
}

// Observe records the outcome of an agreement operation. Outcome should be a
// stable error code or "ok".
func (m *agreementMetrics) Observe(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	op = normaliseLabel(op, "unknown")
	outcome = normaliseLabel(outcome, "error")
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
func (m *agreementMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normaliseLabel(reason, "unspecified")).Inc()
}

func normaliseLabel(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}
