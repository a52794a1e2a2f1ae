// Package metrics holds the Prometheus collectors for reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reconciler"

var (
	// WriteDecisions counts write gate decisions by result and reason.
	WriteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_decisions_total",
		Help:      "Write authorization decisions by result and reason",
	}, []string{"result", "reason"})

	// Verdicts counts verification verdicts by status.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdicts_total",
		Help:      "Verification verdicts by status",
	}, []string{"status"})

	// BatchRecords counts records handled by the batch writer by outcome.
	BatchRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_records_total",
		Help:      "Records handled by the batch writer by outcome",
	}, []string{"outcome"})

	// BatchFieldsWritten counts field writes committed by the batch writer.
	BatchFieldsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_fields_written_total",
		Help:      "Field writes committed by the batch writer",
	})

	// BatchGroupFallbacks counts groups that fell back to per-record writes.
	BatchGroupFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_group_fallbacks_total",
		Help:      "Update groups that fell back to per-record writes",
	})

	// QuarantineAppends counts records appended to the quarantine log.
	QuarantineAppends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quarantine_appends_total",
		Help:      "Records appended to the quarantine log",
	})

	// RetryAttempts counts retry attempts by failure type and outcome.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_attempts_total",
		Help:      "Retry attempts by failure type and outcome",
	}, []string{"failure_type", "outcome"})

	// ReconcileDuration tracks the duration of whole reconcile runs.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of reconcile runs in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

// Result labels a boolean outcome.
func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
