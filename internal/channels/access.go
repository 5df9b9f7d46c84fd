// Package channels defines the narrow access-policy boundary this core
// consumes from the (out of scope) relational schema: whether a user may
// read or post to a given channel. The CRUD storage behind this interface
// is not part of this core.
package channels

import "context"

// Kind distinguishes the two channel access policies.
type Kind string

const (
	KindTenantWide    Kind = "tenant_wide"
	KindProjectScoped Kind = "project_scoped"
)

// Access answers membership questions the real-time core needs to enforce
// subscribe and post authorization without owning channel/project storage.
type Access interface {
	// ChannelKind returns the channel's access policy kind.
	ChannelKind(ctx context.Context, tenantID, channelID string) (Kind, error)
	// HasTenantAccess reports whether userID is a member of tenantID.
	HasTenantAccess(ctx context.Context, tenantID, userID string) (bool, error)
	// HasProjectAccess reports whether userID may access the project that
	// owns a project-scoped channel.
	HasProjectAccess(ctx context.Context, tenantID, userID, channelID string) (bool, error)
}

// CanAccess resolves whether userID may subscribe to or post in channelID,
// applying the tenant-wide vs. project-scoped policy from SPEC_FULL.md §3.
func CanAccess(ctx context.Context, access Access, tenantID, userID, channelID string) (bool, error) {
	kind, err := access.ChannelKind(ctx, tenantID, channelID)
	if err != nil {
		return false, err
	}
	switch kind {
	case KindTenantWide:
		return access.HasTenantAccess(ctx, tenantID, userID)
	case KindProjectScoped:
		return access.HasProjectAccess(ctx, tenantID, userID, channelID)
	default:
		return false, nil
	}
}
