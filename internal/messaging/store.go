// Package messaging implements chat message persistence and the
// message-handling half of the WebSocket multiplexer's message frame:
// mention parsing, slash-command detection, and the associated event
// emission through the broadcaster.
package messaging

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"mission-control/internal/model"
)

// Store is the durable chat message log, independent of the event log:
// messages are queryable by channel for history/scrollback, which the
// event log's tenant-wide sequence ordering does not serve well.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save persists a message, assigning it an ID and timestamp.
func (s *Store) Save(ctx context.Context, msg model.Message) (model.Message, error) {
	msg.ID = uuid.NewString()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO mission_control.messages
			(id, tenant_id, channel_id, sender_id, sender_name, sender_kind, content, mentions, client_id, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING created_at
	`, msg.ID, msg.TenantID, msg.ChannelID, msg.SenderID, msg.SenderName, string(msg.SenderKind),
		msg.Content, pq.Array(msg.Mentions), nullableString(msg.ClientID)).Scan(&msg.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("messaging: save: %w", err)
	}
	return msg, nil
}

// Recent returns the most recent messages in a channel, oldest first,
// bounded by limit.
func (s *Store) Recent(ctx context.Context, tenantID, channelID string, limit int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, sender_name, sender_kind, content, mentions, client_id, created_at
		FROM mission_control.messages
		WHERE tenant_id = $1 AND channel_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("messaging: recent: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var senderKind string
		var clientID sql.NullString
		var mentions pq.StringArray
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &senderKind, &m.Content, &mentions, &clientID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("messaging: scan: %w", err)
		}
		m.TenantID = tenantID
		m.ChannelID = channelID
		m.SenderKind = model.SenderKind(senderKind)
		m.Mentions = []string(mentions)
		m.ClientID = clientID.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
