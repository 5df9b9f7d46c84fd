// Package filters persists the per-(tenant, user) subscription filter an
// SSE connection loads at accept time (SPEC_FULL.md §4.E step 2). Filter
// entries themselves are managed by the CRUD surface outside this core;
// this package only reads the snapshot that surface wrote.
package filters

import (
	"context"
	"database/sql"
	"fmt"

	"mission-control/internal/model"
)

// Store loads subscription filter snapshots from Postgres.
type Store struct {
	db *sql.DB
}

// New wraps an existing database connection. The schema is provisioned by
// migrations external to this core: a mission_control.subscription_filters
// table keyed by (tenant_id, user_id, topic_kind, topic_id).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load returns userID's subscription filter for tenantID. A user with no
// rows gets the zero-value Filter, which Filter.Matches treats as "accept
// everything".
func (s *Store) Load(ctx context.Context, tenantID, userID string) (model.Filter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_kind, topic_id
		FROM mission_control.subscription_filters
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID)
	if err != nil {
		return model.Filter{}, fmt.Errorf("filters: load: %w", err)
	}
	defer rows.Close()

	var filter model.Filter
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return model.Filter{}, fmt.Errorf("filters: scan: %w", err)
		}
		filter.Entries = append(filter.Entries, model.FilterEntry{Kind: model.TopicKind(kind), ID: id})
	}
	return filter, rows.Err()
}
