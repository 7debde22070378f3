package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	gapsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "luxescrow",
		Subsystem: "reconciliation",
		Name:      "gaps_recorded_total",
		Help:      "Settlement gaps recorded, by kind.",
	}, []string{"kind"})

	openGaps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow",
		Subsystem: "reconciliation",
		Name:      "open_gaps",
		Help:      "Unresolved settlement gaps found in last reconciliation run.",
	})

	unknownLegs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow",
		Subsystem: "reconciliation",
		Name:      "unknown_legs",
		Help:      "Payout legs with unknown outcome found in last reconciliation run.",
	})

	stuckLegs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow",
		Subsystem: "reconciliation",
		Name:      "stuck_legs",
		Help:      "Payout legs in flight past the stuck threshold found in last reconciliation run.",
	})

	staleEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "luxescrow",
		Subsystem: "reconciliation",
		Name:      "stale_escrows",
		Help:      "Escrows locked past the stale threshold found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "luxescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "luxescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		gapsRecorded,
		openGaps,
		unknownLegs,
		stuckLegs,
		staleEscrows,
		reconcileDuration,
		reconcileErrors,
	)
}
