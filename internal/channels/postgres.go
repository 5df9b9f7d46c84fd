package channels

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresAccess implements Access against the channel/project/membership
// tables this core borrows read-only from the surrounding CRUD schema: it
// never writes to channels, projects, or memberships, only answers the
// subscribe/post authorization questions (D)/(E)/(F) need.
type PostgresAccess struct {
	db *sql.DB
}

// NewPostgresAccess wraps an existing database connection.
func NewPostgresAccess(db *sql.DB) *PostgresAccess {
	return &PostgresAccess{db: db}
}

// ChannelKind looks up whether channelID is tenant-wide or scoped to a
// project.
func (p *PostgresAccess) ChannelKind(ctx context.Context, tenantID, channelID string) (Kind, error) {
	var projectID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT project_id
		FROM mission_control.channels
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, channelID).Scan(&projectID)
	if err != nil {
		return "", fmt.Errorf("channels: lookup kind: %w", err)
	}
	if projectID.Valid && projectID.String != "" {
		return KindProjectScoped, nil
	}
	return KindTenantWide, nil
}

// HasTenantAccess reports whether userID belongs to tenantID at all.
func (p *PostgresAccess) HasTenantAccess(ctx context.Context, tenantID, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM mission_control.tenant_members
			WHERE tenant_id = $1 AND user_id = $2
		)
	`, tenantID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("channels: tenant access: %w", err)
	}
	return exists, nil
}

// HasProjectAccess reports whether userID may access the project that owns
// a project-scoped channel.
func (p *PostgresAccess) HasProjectAccess(ctx context.Context, tenantID, userID, channelID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM mission_control.channels c
			JOIN mission_control.project_members pm ON pm.project_id = c.project_id
			WHERE c.tenant_id = $1 AND c.id = $2 AND pm.user_id = $3
		)
	`, tenantID, channelID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("channels: project access: %w", err)
	}
	return exists, nil
}
