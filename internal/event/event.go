package event

import (
	"time"

	"github.com/google/uuid"
)

// Business event types consumed and produced by the engine. session.timeout
// and automation.resume are synthetic re-entry events; the rest arrive from
// the outside world.
const (
	TypeMessageReceived  = "message.received"
	TypeOrderCreated     = "order.created"
	TypeStageChanged     = "stage.changed"
	TypeTagApplied       = "tag.applied"
	TypeSessionStart     = "session.start"
	TypeSessionTimeout   = "session.timeout"
	TypeAutomationResume = "automation.resume"
)

// Event is one business event on the bus. Delivery is at-least-once;
// consumers are idempotent.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	WorkspaceID    string         `json:"workspace_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ContactID      string         `json:"contact_id,omitempty"`
	OrderID        string         `json:"order_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// New builds an event with a fresh id and UTC timestamp.
func New(eventType, workspaceID string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		WorkspaceID: workspaceID,
		Payload:     map[string]any{},
		OccurredAt:  time.Now().UTC(),
	}
}

// Handler consumes one event. Returning an error only logs it; the bus never
// blocks delivery of other events on a failing handler.
type Handler func(evt Event) error

// Bus is the external event transport collaborator. The engine only consumes
// and produces events, never implements broker semantics itself.
type Bus interface {
	Publish(evt Event) error
	// PublishAfter delivers evt once delay has elapsed. Best effort across
	// restarts; consumers rely on idempotency keys, not on exactly-once
	// delayed delivery.
	PublishAfter(evt Event, delay time.Duration) error
	Subscribe(eventType string, h Handler) error
}
