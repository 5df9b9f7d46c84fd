// Package eventlog implements the durable, append-only per-tenant event
// log (component A). Sequence IDs come from a per-tenant counter row in
// mission_control.tenant_sequences and are strictly monotonic and gap-free
// for successful appends.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mission-control/internal/model"
)

// ErrNoRows is returned by MinSequenceID when a tenant has no retained
// events (the tenant is new, or retention has dropped everything).
var ErrNoRows = errors.New("eventlog: no retained events for tenant")

// Log is the durable event store backed by Postgres.
type Log struct {
	db *sql.DB
}

// New wraps an existing database connection. The schema is expected to be
// provisioned by migrations external to this core (out of scope per
// SPEC_FULL.md §1): a mission_control.events table with a unique
// (tenant_id, sequence_id) constraint, and a mission_control.tenant_sequences
// table holding one counter row per tenant.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append persists a new event for tenant, assigning it the next sequence_id.
// The sequence counter lives in a per-tenant row of
// mission_control.tenant_sequences, incremented and read inside the same
// transaction as the insert so the assigned sequence_id and the durable
// write are atomic; append is fail-closed, so any error here means the
// caller must not publish. Mutations other than append are not supported
// by this type: there is no Update or Delete method.
func (l *Log) Append(ctx context.Context, tenantID, eventType, actorID string, actorKind model.ActorKind, payload model.Payload) (model.Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return model.Event{}, fmt.Errorf("eventlog: marshal payload: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO mission_control.tenant_sequences (tenant_id, last_sequence_id)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET last_sequence_id = mission_control.tenant_sequences.last_sequence_id + 1
		RETURNING last_sequence_id
	`, tenantID).Scan(&seq)
	if err != nil {
		return model.Event{}, fmt.Errorf("eventlog: assign sequence: %w", err)
	}

	id := uuid.NewString()
	var actor sql.NullString
	if actorID != "" {
		actor = sql.NullString{String: actorID, Valid: true}
	}

	var ts time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO mission_control.events
			(id, tenant_id, sequence_id, event_type, actor_id, actor_kind, payload, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING created_at
	`, id, tenantID, seq, eventType, actor, string(actorKind), payloadJSON).Scan(&ts)
	if err != nil {
		return model.Event{}, fmt.Errorf("eventlog: append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Event{}, fmt.Errorf("eventlog: commit: %w", err)
	}

	return model.Event{
		ID:         id,
		SequenceID: seq,
		TenantID:   tenantID,
		Type:       eventType,
		ActorID:    actorID,
		ActorKind:  actorKind,
		Payload:    payload,
		Timestamp:  ts,
	}, nil
}

// Range returns events for tenant with sequence_id > afterSequenceID, in
// ascending sequence_id order, bounded by limit.
func (l *Log) Range(ctx context.Context, tenantID string, afterSequenceID int64, limit int) ([]model.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, sequence_id, event_type, actor_id, actor_kind, payload, created_at
		FROM mission_control.events
		WHERE tenant_id = $1 AND sequence_id > $2
		ORDER BY sequence_id ASC
		LIMIT $3
	`, tenantID, afterSequenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: range: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var actor sql.NullString
		var payloadJSON []byte
		var actorKind string
		if err := rows.Scan(&e.ID, &e.SequenceID, &e.Type, &actor, &actorKind, &payloadJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.TenantID = tenantID
		e.ActorID = actor.String
		e.ActorKind = model.ActorKind(actorKind)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("eventlog: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MinSequenceID returns the smallest retained sequence_id for tenant, or
// ErrNoRows if retention has dropped every event (or none exist yet).
func (l *Log) MinSequenceID(ctx context.Context, tenantID string) (int64, error) {
	var min sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MIN(sequence_id) FROM mission_control.events WHERE tenant_id = $1
	`, tenantID).Scan(&min)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: min sequence id: %w", err)
	}
	if !min.Valid {
		return 0, ErrNoRows
	}
	return min.Int64, nil
}
