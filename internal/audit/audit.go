// Package audit publishes authentication lifecycle events to a message broker.
package audit

import (
	"context"
	"time"

	"github.com/bissquit/acquisitions/internal/domain"
)

// EventType identifies an authentication lifecycle event.
type EventType string

// Event types.
const (
	EventUserRegistered EventType = "user.registered"
	EventUserSignedIn   EventType = "user.signed_in"
	EventUserSignedOut  EventType = "user.signed_out"
	EventUserUpdated    EventType = "user.updated"
	EventUserDeleted    EventType = "user.deleted"
)

// Event is the payload published for every lifecycle change.
// It never carries credentials.
type Event struct {
	Type       EventType   `json:"type"`
	UserID     string      `json:"user_id"`
	Email      string      `json:"email,omitempty"`
	Role       domain.Role `json:"role,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards every event. Used when auditing is disabled.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
