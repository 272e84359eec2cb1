package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - call_sid is required; every event is about one call.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID      string    `json:"id" db:"id"`
	CallSid string    `json:"call_sid" db:"call_sid"`
	Type    EventType `json:"type" db:"type"`

	// ActorUserID is the operator causing the event, empty for webhook-driven events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallTriggered     EventType = "call_triggered"
	EventTypePipelineCompleted EventType = "pipeline_completed"
	EventTypePipelineFailed    EventType = "pipeline_failed"
	EventTypeVoicemailPlaced   EventType = "fallback_voicemail"
	EventTypeSMSSent           EventType = "fallback_sms"
	EventTypeFallbackExhausted EventType = "fallback_exhausted"
)
