// Package model defines the data types shared across the real-time core:
// events, messages, connections, and subscription filters.
package model

import "time"

// ActorKind identifies who originated an event.
type ActorKind string

const (
	ActorHuman  ActorKind = "human"
	ActorAgent  ActorKind = "agent"
	ActorSystem ActorKind = "system"
)

// Payload is a schema-free structured value. The core only ever routes on
// a handful of well-known keys, so a typed struct per event type would add
// friction without buying safety.
type Payload map[string]any

// ProjectID returns the payload's project_id, if present.
func (p Payload) ProjectID() (string, bool) {
	return p.stringField("project_id")
}

// TaskID returns the payload's task_id, if present.
func (p Payload) TaskID() (string, bool) {
	return p.stringField("task_id")
}

// ChannelID returns the payload's channel_id, if present.
func (p Payload) ChannelID() (string, bool) {
	return p.stringField("channel_id")
}

// SenderID returns the payload's sender_id, if present.
func (p Payload) SenderID() (string, bool) {
	return p.stringField("sender_id")
}

func (p Payload) stringField(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Event is an immutable record in the durable event log. Once appended it
// is never updated or deleted.
type Event struct {
	ID         string    `json:"id"`
	SequenceID int64     `json:"sequence_id"`
	TenantID   string    `json:"tenant_id"`
	Type       string    `json:"type"`
	ActorID    string    `json:"actor_id,omitempty"`
	ActorKind  ActorKind `json:"actor_kind"`
	Payload    Payload   `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResetReasonCursorExpired is carried in the payload of a synthetic
// events.reset frame.
const ResetReasonCursorExpired = "cursor_expired"

// EventTypeReset and EventTypeSessionRevoked are synthetic event types
// emitted directly by the SSE engine, never appended to the durable log.
const (
	EventTypeReset          = "events.reset"
	EventTypeSessionRevoked = "session.revoked"
)

// NewResetEvent builds the synthetic events.reset frame for an expired cursor.
func NewResetEvent(tenantID string) Event {
	return Event{
		TenantID:  tenantID,
		Type:      EventTypeReset,
		ActorKind: ActorSystem,
		Payload:   Payload{"reason": ResetReasonCursorExpired},
		Timestamp: time.Now(),
	}
}

// NewSessionRevokedEvent builds the synthetic session.revoked frame.
func NewSessionRevokedEvent(tenantID, credentialID string) Event {
	return Event{
		TenantID:  tenantID,
		Type:      EventTypeSessionRevoked,
		ActorKind: ActorSystem,
		Payload:   Payload{"credential_id": credentialID},
		Timestamp: time.Now(),
	}
}
