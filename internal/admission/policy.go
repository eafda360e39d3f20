// Package admission decides whether a request may enter the service.
//
// Every request is evaluated against a per-role rule: a sliding-window rate
// limit plus bot and attack-signature (shield) checks. The caller's role comes
// from the request context; unauthenticated callers are guests.
package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/acquisitions/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrPolicyUnavailable wraps any failure to reach a decision.
var ErrPolicyUnavailable = errors.New("admission policy unavailable")

// Mode controls whether denials are enforced.
type Mode string

// Rule modes.
const (
	ModeLive   Mode = "LIVE"
	ModeDryRun Mode = "DRY_RUN"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeLive || m == ModeDryRun
}

// Conclusion is the outcome of an evaluation.
type Conclusion string

// Conclusions.
const (
	Allow Conclusion = "ALLOW"
	Deny  Conclusion = "DENY"
)

// Reason explains a denial.
type Reason string

// Denial reasons. Allowed decisions carry ReasonNone.
const (
	ReasonNone      Reason = ""
	ReasonBot       Reason = "bot"
	ReasonShield    Reason = "shield"
	ReasonRateLimit Reason = "rate_limit"
)

// Decision is the result of evaluating a request against a rule.
type Decision struct {
	Conclusion Conclusion
	Reason     Reason
	// Remaining is the number of requests left in the current window.
	Remaining int
	// RetryAfter is set on rate limit denials.
	RetryAfter time.Duration
}

// IsDenied reports whether the request must be rejected.
func (d Decision) IsDenied() bool {
	return d.Conclusion == Deny
}

func allow(remaining int) Decision {
	return Decision{Conclusion: Allow, Remaining: remaining}
}

func deny(reason Reason) Decision {
	return Decision{Conclusion: Deny, Reason: reason}
}

// Rule is a sliding-window limit applied to one role.
type Rule struct {
	Name     string
	Mode     Mode
	Interval time.Duration
	Max      int
}

// Request is the part of an HTTP request the engine looks at.
type Request struct {
	IP        string
	UserAgent string
	Method    string
	Path      string
	// RawQuery is the undecoded query string.
	RawQuery string
	// Body holds the inspectable text of a JSON request body: string values
	// and keys, minus password fields.
	Body string
}

// DefaultInterval is the sliding window length.
const DefaultInterval = time.Minute

// DefaultQuotas returns the per-role request limits per interval.
func DefaultQuotas() map[domain.Role]int {
	return map[domain.Role]int{
		domain.RoleGuest: 5,
		domain.RoleUser:  10,
		domain.RoleAdmin: 20,
	}
}

// Policy maps roles to rules.
type Policy struct {
	Quotas   map[domain.Role]int
	Interval time.Duration
	Mode     Mode
}

// DefaultPolicy returns the LIVE policy with default quotas.
func DefaultPolicy() Policy {
	return Policy{
		Quotas:   DefaultQuotas(),
		Interval: DefaultInterval,
		Mode:     ModeLive,
	}
}

// Validate checks that every role has a positive quota.
func (p Policy) Validate() error {
	if !p.Mode.IsValid() {
		return fmt.Errorf("unknown admission mode %q", p.Mode)
	}
	if p.Interval <= 0 {
		return errors.New("admission interval must be positive")
	}
	for _, role := range []domain.Role{domain.RoleGuest, domain.RoleUser, domain.RoleAdmin} {
		if p.Quotas[role] <= 0 {
			return fmt.Errorf("admission quota for %s must be positive", role)
		}
	}
	return nil
}

// RoleOf returns the role a request is evaluated as. Anything that is not a
// stored role counts as a guest.
func RoleOf(role domain.Role) domain.Role {
	if role.IsValid() {
		return role
	}
	return domain.RoleGuest
}

// RuleFor returns the rule for role.
func (p Policy) RuleFor(role domain.Role) Rule {
	role = RoleOf(role)
	return Rule{
		Name:     string(role) + "-rate-limit",
		Mode:     p.Mode,
		Interval: p.Interval,
		Max:      p.Quotas[role],
	}
}

// Message returns the client-facing text for a denial of role under rule.
func Message(role domain.Role, rule Rule, reason Reason) string {
	// Casers are stateful; build one per call.
	who := cases.Title(language.English).String(string(RoleOf(role)))

	switch reason {
	case ReasonBot:
		return who + " bot request blocked"
	case ReasonShield:
		return who + " shield rule triggered"
	case ReasonRateLimit:
		return fmt.Sprintf("%s rate limit exceeded (%d requests per %s)", who, rule.Max, intervalName(rule.Interval))
	default:
		return who + " request blocked"
	}
}

func intervalName(d time.Duration) string {
	switch d {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	default:
		return d.String()
	}
}
