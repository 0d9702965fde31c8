package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerFailuresTotal counts rejected or failed ledger operations.
	LedgerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_failures_total",
			Help:      "Ledger operations that did not apply.",
		},
		[]string{"type"},
	)

	// LedgerVolumeTotal sums transferred base units per asset.
	LedgerVolumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeescrow",
			Name:      "ledger_volume_total",
			Help:      "Base units moved by applied batches, by asset.",
		},
		[]string{"asset"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerFailuresTotal,
		LedgerVolumeTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
