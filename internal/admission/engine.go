package admission

import (
	"context"
	"fmt"
)

// Engine evaluates a request against a rule.
type Engine interface {
	Evaluate(ctx context.Context, req Request, rule Rule) (Decision, error)
}

// LocalEngine runs the bot check, then the shield, then the sliding window.
// The window is keyed by rule name and caller IP. Bots and shielded requests
// do not consume quota.
type LocalEngine struct {
	bots    BotDetector
	shield  Shield
	counter Counter
}

// NewLocalEngine creates an engine. bots and shield may be nil to skip those
// checks; counter is required.
func NewLocalEngine(bots BotDetector, shield Shield, counter Counter) *LocalEngine {
	return &LocalEngine{bots: bots, shield: shield, counter: counter}
}

// Evaluate implements Engine.
func (e *LocalEngine) Evaluate(ctx context.Context, req Request, rule Rule) (Decision, error) {
	if e.bots != nil && e.bots.IsBot(req) {
		return deny(ReasonBot), nil
	}
	if e.shield != nil && e.shield.Triggered(req) {
		return deny(ReasonShield), nil
	}

	hit, err := e.counter.Hit(ctx, WindowKey(rule, req.IP), rule.Max, rule.Interval)
	if err != nil {
		return Decision{}, fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	if !hit.Allowed {
		d := deny(ReasonRateLimit)
		d.RetryAfter = hit.RetryAfter
		return d, nil
	}
	return allow(hit.Remaining), nil
}

// WindowKey returns the counter key for ip under rule.
func WindowKey(rule Rule, ip string) string {
	return rule.Name + ":" + ip
}
