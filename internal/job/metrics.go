package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the job counters exported on /metrics
type Metrics struct {
	Runs             *prometheus.CounterVec
	Duration         *prometheus.HistogramVec
	DepositsCredited *prometheus.CounterVec
	CreditedUSD      *prometheus.CounterVec
	Unassigned       *prometheus.CounterVec
	ScanErrors       *prometheus.CounterVec
	SweepOutcomes    *prometheus.CounterVec
}

// NewMetrics registers the job metrics on reg. Pass a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "job_runs_total",
			Help:      "Job runs by job and result",
		}, []string{"job", "result"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custody",
			Name:      "job_duration_seconds",
			Help:      "Job run duration",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		DepositsCredited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "deposits_credited_total",
			Help:      "Deposits credited to user balances",
		}, []string{"chain"}),
		CreditedUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "deposits_credited_usd_total",
			Help:      "USD value credited from deposits",
		}, []string{"chain"}),
		Unassigned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "unassigned_transfers_total",
			Help:      "Incoming transfers that matched no user",
		}, []string{"chain"}),
		ScanErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "scan_errors_total",
			Help:      "Per-address chain scan failures",
		}, []string{"chain"}),
		SweepOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "sweep_outcomes_total",
			Help:      "Sweep results per asset by outcome",
		}, []string{"chain", "outcome"}),
	}
}
