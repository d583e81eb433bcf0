package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks the latency of loyalty engine operations
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "loyalty_operation_duration_seconds",
			Help: "Duration of loyalty engine operations in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
				5.0,   // 5s
				10.0,  // 10s
			},
		},
		[]string{"operation", "status"},
	)

	// SyncCorrections counts profiles whose counters drifted from reservations
	SyncCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_sync_corrections_total",
		Help: "Number of loyalty profiles corrected by reconciliation",
	})

	// MalformedReservations counts reservations flagged during aggregation
	MalformedReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_malformed_reservations_total",
		Help: "Number of newly flagged reservations with unparsable payloads",
	})

	// DiscountTransitions counts discount lifecycle transitions
	DiscountTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_discount_transitions_total",
			Help: "Number of discount lifecycle transitions",
		},
		[]string{"type", "transition"},
	)
)

// RecordOperation records the duration of an engine operation
func RecordOperation(operation, status string, duration float64) {
	OperationDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordTransition counts one discount transition
func RecordTransition(discountType, transition string) {
	DiscountTransitions.WithLabelValues(discountType, transition).Inc()
}
