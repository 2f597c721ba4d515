// Package metrics holds the Prometheus collectors of the allocator.
//
// Exposed series:
//   - allocator_nightly_cycle_seconds           duration of a nightly evaluation cycle
//   - allocator_evaluations_total{result}       strategy evaluations by pass|fail|error
//   - allocator_arm_weight{strategy}            current bandit allocation weight
//   - allocator_arm_expected_win_rate{strategy} posterior mean alpha/(alpha+beta)
//   - allocator_optimization_runs_total{status} optimization runs by terminal status
//   - allocator_signals_emitted_total{strategy} signals returned by the engine
//
// Collectors are registered in init() and served by the ops server at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	nightlyCycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocator_nightly_cycle_seconds",
			Help:    "Duration of nightly evaluation cycles",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_evaluations_total",
			Help: "Strategy evaluations by result",
		},
		[]string{"result"},
	)

	armWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "allocator_arm_weight",
			Help: "Bandit allocation weight per strategy",
		},
		[]string{"strategy"},
	)

	armExpectedWinRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "allocator_arm_expected_win_rate",
			Help: "Posterior mean win rate per strategy",
		},
		[]string{"strategy"},
	)

	optimizationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_optimization_runs_total",
			Help: "Parameter optimization runs by terminal status",
		},
		[]string{"status"},
	)

	signalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_signals_emitted_total",
			Help: "Signals emitted per strategy",
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(nightlyCycleSeconds, evaluations)
	prometheus.MustRegister(armWeight, armExpectedWinRate)
	prometheus.MustRegister(optimizationRuns, signalsEmitted)
}

func ObserveNightlyCycle(d time.Duration) { nightlyCycleSeconds.Observe(d.Seconds()) }

// IncEvaluation counts one evaluation; result is pass, fail or error.
func IncEvaluation(result string) { evaluations.WithLabelValues(result).Inc() }

func SetArm(strategy string, weight, expectedWinRate float64) {
	armWeight.WithLabelValues(strategy).Set(weight)
	armExpectedWinRate.WithLabelValues(strategy).Set(expectedWinRate)
}

func IncOptimizationRun(status string) { optimizationRuns.WithLabelValues(status).Inc() }

func AddSignals(strategy string, n int) {
	if n > 0 {
		signalsEmitted.WithLabelValues(strategy).Add(float64(n))
	}
}

func Handler() http.Handler { return promhttp.Handler() }
