package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "acquisitions",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by role, conclusion and reason",
	},
	[]string{"role", "conclusion", "reason", "mode"},
)

var failures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "acquisitions",
		Subsystem: "admission",
		Name:      "failures_total",
		Help:      "Requests rejected because no decision could be reached",
	},
)

func recordDecision(role string, rule Rule, d Decision) {
	reason := string(d.Reason)
	if reason == "" {
		reason = "none"
	}
	decisions.WithLabelValues(role, string(d.Conclusion), reason, string(rule.Mode)).Inc()
}
