package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mission-control/internal/model"
)

// ErrStreamingUnsupported is returned when the underlying ResponseWriter
// cannot flush incrementally.
var ErrStreamingUnsupported = errors.New("sse: streaming unsupported")

// writer frames model.Event values as text/event-stream and flushes each
// one immediately, following the same writer-plus-flusher shape as the
// donor's sseStreamer.
type writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newWriter(w http.ResponseWriter) (*writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &writer{w: w, flusher: flusher}, nil
}

// envelope is the wire shape of a durable or synthetic event's data field.
type envelope struct {
	ID         string          `json:"id,omitempty"`
	SequenceID int64           `json:"sequence_id,omitempty"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id,omitempty"`
	ActorKind  model.ActorKind `json:"actor_kind"`
	Payload    model.Payload   `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SendEvent writes e as a standard event frame, keyed by event type and
// sequence_id so clients can resume with Last-Event-ID.
func (w *writer) SendEvent(e model.Event) error {
	data, err := json.Marshal(envelope{
		ID: e.ID, SequenceID: e.SequenceID, TenantID: e.TenantID, Type: e.Type,
		ActorID: e.ActorID, ActorKind: e.ActorKind, Payload: e.Payload, Timestamp: e.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\nid: %d\ndata: %s\n\n", e.Type, e.SequenceID, data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// SendReset writes the synthetic events.reset frame. Its data is just the
// reset reason, not the full envelope: the client never had a sequence_id
// for it.
func (w *writer) SendReset() error {
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: {\"reason\":%q}\n\n", model.EventTypeReset, model.ResetReasonCursorExpired); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// SendSessionRevoked writes the synthetic session.revoked frame that ends
// the stream after a mid-connection credential revocation.
func (w *writer) SendSessionRevoked(credentialID string) error {
	data, err := json.Marshal(map[string]string{"credential_id": credentialID})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", model.EventTypeSessionRevoked, data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// SendHeartbeat writes a comment line, which SSE clients ignore as data but
// which keeps intermediate proxies from timing out the connection.
func (w *writer) SendHeartbeat() error {
	if _, err := fmt.Fprint(w.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
