package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "vault_mismatches",
		Help:      "Number of escrow vaults whose ledger balance differed from the trade record in the last run.",
	})

	reconcileHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "vault_balance_total",
		Help:      "Sum of escrow vault ledger balances seen in the last run, in asset base units.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileHeld,
		reconcileDuration,
		reconcileErrors,
	)
}
