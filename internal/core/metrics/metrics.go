// internal/core/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the rule engine and node lookup paths. Registered on the
// default registry so a caller exposing promhttp picks them up without
// extra wiring.
var (
	RulesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inspectd",
		Subsystem: "rules",
		Name:      "evaluated_total",
		Help:      "Number of rules evaluated against a node.",
	})

	RulesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inspectd",
		Subsystem: "rules",
		Name:      "matched_total",
		Help:      "Number of rules whose conditions all held.",
	})

	ActionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inspectd",
		Subsystem: "rules",
		Name:      "action_failures_total",
		Help:      "Number of rule actions that returned an error.",
	})

	LookupOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inspectd",
		Subsystem: "lookup",
		Name:      "outcomes_total",
		Help:      "Node lookup results by outcome.",
	}, []string{"outcome"})
)
