package scoring

import "github.com/prometheus/client_golang/prometheus"

var (
	scoringRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "achscore",
		Subsystem: "scoring",
		Name:      "runs_total",
		Help:      "Scoring runs by outcome.",
	}, []string{"status"})

	scoringRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "achscore",
		Subsystem: "scoring",
		Name:      "run_duration_seconds",
		Help:      "Duration of scoring runs in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	scoringTransactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "achscore",
		Subsystem: "scoring",
		Name:      "transactions_total",
		Help:      "Transactions scored by successful runs.",
	})

	ruleAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "achscore",
		Subsystem: "rules",
		Name:      "alerts_total",
		Help:      "Alerts raised per rule.",
	}, []string{"rule"})

	ruleErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "achscore",
		Subsystem: "rules",
		Name:      "errors_total",
		Help:      "Rule evaluation failures per rule.",
	}, []string{"rule"})

	ruleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "achscore",
		Subsystem: "rules",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating one rule over a store.",
		Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		scoringRuns,
		scoringRunDuration,
		scoringTransactions,
		ruleAlerts,
		ruleErrors,
		ruleDuration,
	)
}
