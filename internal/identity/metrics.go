package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "acquisitions"

// Operations.
const (
	opRegister = "register"
	opSignin   = "signin"
	opSignout  = "signout"
)

// Outcomes.
const (
	outcomeSuccess            = "success"
	outcomeValidation         = "validation_error"
	outcomeDuplicate          = "duplicate_email"
	outcomeInvalidCredentials = "invalid_credentials"
	outcomeError              = "error"
)

var authAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Authentication operations by outcome",
	},
	[]string{"operation", "outcome"},
)

func recordAuthAttempt(operation, outcome string) {
	authAttempts.WithLabelValues(operation, outcome).Inc()
}
