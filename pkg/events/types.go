package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// EventCreditsHalfDepleted fires when a billing transition moves a
	// project's used credits across half of its granted allowance.
	EventCreditsHalfDepleted EventType = "credits.half_depleted"

	// EventBillingCommitted fires after every committed billing transition.
	EventBillingCommitted EventType = "billing.committed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Project is the project this event belongs to
	Project string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, project string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Project:   project,
		Payload:   payload,
	}
}
