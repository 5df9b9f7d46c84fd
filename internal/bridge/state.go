package bridge

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the bridge's embedded state: the last event cursor seen per
// agent identity, and the session_key <-> channel_id mapping the router
// uses to translate between the hub's channel-scoped world and the
// runtime's session-scoped one.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the bridge's embedded SQLite
// database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bridge: open state db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does not support concurrent writers

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cursors (
			tenant_id TEXT PRIMARY KEY,
			sequence_id INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_mappings (
			session_key TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("bridge: migrate state db: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the last persisted sequence_id stored under tenantID (the
// bridge passes its agent identity as this key), or 0 if none has been
// recorded yet.
func (s *Store) Cursor(tenantID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT sequence_id FROM cursors WHERE tenant_id = ?`, tenantID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bridge: read cursor: %w", err)
	}
	return seq, nil
}

// SaveCursor persists the highest sequence_id processed under tenantID (the
// bridge passes its agent identity as this key). The
// update only ever advances the cursor: outbound workers finish handling
// events concurrently and out of sequence order, so a late write for an
// earlier sequence_id must not roll the resume position backward.
func (s *Store) SaveCursor(tenantID string, sequenceID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO cursors (tenant_id, sequence_id) VALUES (?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET sequence_id = excluded.sequence_id
		WHERE excluded.sequence_id > cursors.sequence_id
	`, tenantID, sequenceID)
	if err != nil {
		return fmt.Errorf("bridge: save cursor: %w", err)
	}
	return nil
}

// ChannelForSession returns the channel_id mapped to sessionKey, if any.
func (s *Store) ChannelForSession(sessionKey string) (string, bool, error) {
	var channelID string
	err := s.db.QueryRow(`SELECT channel_id FROM session_mappings WHERE session_key = ?`, sessionKey).Scan(&channelID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("bridge: read session mapping: %w", err)
	}
	return channelID, true, nil
}

// MapSession records the session_key for a channel, so later inbound
// runtime replies can be routed back to it.
func (s *Store) MapSession(sessionKey, channelID string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_mappings (session_key, channel_id) VALUES (?, ?)
		ON CONFLICT(session_key) DO UPDATE SET channel_id = excluded.channel_id
	`, sessionKey, channelID)
	if err != nil {
		return fmt.Errorf("bridge: map session: %w", err)
	}
	return nil
}

// DeleteSessionMapping removes sessionKey's mapping, e.g. once the project
// assignment or sub-agent it belonged to no longer exists. Deleting an
// already-absent mapping is not an error.
func (s *Store) DeleteSessionMapping(sessionKey string) error {
	_, err := s.db.Exec(`DELETE FROM session_mappings WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("bridge: delete session mapping: %w", err)
	}
	return nil
}
