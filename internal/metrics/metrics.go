// Package metrics exposes Prometheus instrumentation for routing, conflict
// resolution and the DEFCON state machine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

const namespace = "vision"

var (
	// Labels: outcome (selected, no_provider, suspended, error)
	selections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "selections_total",
		Help:      "Provider selections by outcome",
	}, []string{"outcome"})

	// Labels: provider, result (success, failure)
	usageReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "usage_reports_total",
		Help:      "Provider usage reports by result",
	}, []string{"provider", "result"})

	usageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "provider_latency_seconds",
		Help:      "Reported provider response time",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	// Labels: path (EVENT_TYPE_CATEGORY, DOMAIN_FALLBACK, PROVIDER_DEFAULT, MANUAL_OVERRIDE)
	conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conflict",
		Name:      "resolutions_total",
		Help:      "Recorded conflict resolutions by resolution path",
	}, []string{"path"})

	// Labels: direction (escalation, downgrade), cause (breaker, manual, auto_reset)
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "defcon",
		Name:      "transitions_total",
		Help:      "DEFCON transitions by direction and cause",
	}, []string{"direction", "cause"})

	level = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "defcon",
		Name:      "level",
		Help:      "Current DEFCON severity (0 GREEN to 4 BLACK)",
	})

	inconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "defcon",
		Name:      "inconsistent_state_total",
		Help:      "Reads that found zero or several active system state rows",
	})

	breakerTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "defcon",
		Name:      "breaker_triggers_total",
		Help:      "Circuit breaker conditions observed true during evaluation",
	}, []string{"breaker"})
)

// Selection outcomes.
const (
	OutcomeSelected   = "selected"
	OutcomeNoProvider = "no_provider"
	OutcomeSuspended  = "suspended"
	OutcomeError      = "error"
)

// RecordSelection counts one SelectProvider call.
func RecordSelection(outcome string) {
	selections.WithLabelValues(outcome).Inc()
}

// RecordUsage counts one usage report and observes its latency.
func RecordUsage(providerID string, success bool, responseTimeMs int) {
	result := "success"
	if !success {
		result = "failure"
	}
	usageReports.WithLabelValues(providerID, result).Inc()
	if responseTimeMs > 0 {
		usageLatency.WithLabelValues(providerID).Observe(float64(responseTimeMs) / 1000)
	}
}

// RecordConflict counts a persisted conflict record.
func RecordConflict(path model.ResolutionPath) {
	conflicts.WithLabelValues(string(path)).Inc()
}

// RecordTransition counts a transition and updates the level gauge.
func RecordTransition(from, to model.DefconLevel, cause string) {
	direction := "escalation"
	if from.MoreSevereThan(to) {
		direction = "downgrade"
	}
	transitions.WithLabelValues(direction, cause).Inc()
	SetLevel(to)
}

// SetLevel sets the level gauge.
func SetLevel(l model.DefconLevel) {
	level.Set(float64(l.Severity()))
}

// RecordInconsistency counts an inconsistent state read.
func RecordInconsistency() {
	inconsistencies.Inc()
}

// RecordBreakerTrigger counts a breaker whose condition held.
func RecordBreakerTrigger(name string) {
	breakerTriggers.WithLabelValues(name).Inc()
}
