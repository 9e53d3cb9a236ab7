// Package metrics exposes Prometheus collectors for the credit engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Name:      "operations_total",
		Help:      "Credit ledger operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "credits",
		Name:      "operation_duration_seconds",
		Help:      "Duration of credit ledger operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// ObserveOperation records one completed operation.
func ObserveOperation(operation, outcome string, start time.Time) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
