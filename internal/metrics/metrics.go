// Package metrics exposes Prometheus collectors for the validation and
// repair engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "saftao"

var (
	// Operations measures pipeline operations.
	// Labels: operation (validate, repair, report, info), status (ok, error)
	Operations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Duration of engine operations in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation", "status"})

	// Runs counts repair runs.
	// Labels: profile (soft, hard), outcome (valid, invalid, unchecked, failed)
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "runs_total",
		Help:      "Total repair runs by profile and schema outcome",
	}, []string{"profile", "outcome"})

	// Changes counts audit rows written by repairs.
	// Labels: profile, action (audit action code)
	Changes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "changes_total",
		Help:      "Total changes applied by repairs",
	}, []string{"profile", "action"})

	// Issues counts validator findings.
	// Labels: code
	Issues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "issues_total",
		Help:      "Total validation issues by code",
	}, []string{"code"})

	// RuleReloads counts rule index reloads triggered by the watcher.
	// Labels: status (ok, error)
	RuleReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "reloads_total",
		Help:      "Total rule index reloads",
	}, []string{"status"})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveOperation records how long an operation took
func ObserveOperation(operation string, started time.Time, err error) {
	Operations.WithLabelValues(operation, status(err)).Observe(time.Since(started).Seconds())
}

// RecordRun counts a finished repair run
func RecordRun(profile, outcome string) {
	Runs.WithLabelValues(profile, outcome).Inc()
}

// RecordChanges adds per-action change counts
func RecordChanges(profile string, byAction map[string]int) {
	for action, n := range byAction {
		Changes.WithLabelValues(profile, action).Add(float64(n))
	}
}

// RecordIssues adds per-code issue counts
func RecordIssues(byCode map[string]int) {
	for code, n := range byCode {
		Issues.WithLabelValues(code).Add(float64(n))
	}
}

// RecordRuleReload counts a watcher reload
func RecordRuleReload(err error) {
	RuleReloads.WithLabelValues(status(err)).Inc()
}
