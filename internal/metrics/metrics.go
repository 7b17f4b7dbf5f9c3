// Package metrics holds the daemon's Prometheus collectors. They register with
// the default registry and are served by the control listener on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Knock event outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeBadSource = "bad_source"
	OutcomeReplay    = "replay"
)

var (
	Packets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cok",
		Name:      "packets_total",
		Help:      "Captured packets dispatched to knocks, by transport.",
	}, []string{"proto"})

	KnockEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cok",
		Name:      "knock_events_total",
		Help:      "Completed knocks by knock and outcome.",
	}, []string{"knock", "outcome"})

	Rebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cok",
		Name:      "rebuilds_total",
		Help:      "Rebuilds of the active knock set.",
	})

	ActiveKnocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cok",
		Name:      "active_knocks",
		Help:      "Knocks currently installed.",
	})

	RuleLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cok",
		Name:      "rule_launches_total",
		Help:      "External rule command launches by result.",
	}, []string{"result"})
)

// KnockEvent records one knock outcome.
func KnockEvent(knock, outcome string) {
	KnockEvents.WithLabelValues(knock, outcome).Inc()
}
