// Package registry implements the connection registry (component G):
// per-(tenant,transport) connection caps enforced atomically across
// processes, membership tracking for revocation sweeps, and credential
// revocation markers. All state lives in Redis so any hub process can
// enforce the cap consistently.
package registry

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mission-control/internal/model"
)

const (
	// DefaultCap is the per-tenant, per-transport connection cap used
	// when none is configured.
	DefaultCap = 50

	// memberTTL bounds how long a membership entry survives without a
	// heartbeat refresh, so a crashed process's slots are reclaimed
	// instead of leaking forever.
	memberTTL = 90 * time.Second

	// revocationTTL bounds how long a revocation marker is retained;
	// it only needs to outlive any connection that could have been
	// established before the revocation.
	revocationTTL = 24 * time.Hour
)

// Registry enforces per-tenant connection caps and tracks live connections
// for revocation sweeps.
type Registry struct {
	client goredis.UniversalClient
	caps   map[model.Transport]int
}

// New builds a Registry. caps maps a transport to its connection cap;
// a transport absent from caps uses DefaultCap.
func New(client goredis.UniversalClient, caps map[model.Transport]int) *Registry {
	return &Registry{client: client, caps: caps}
}

func (r *Registry) capFor(transport model.Transport) int {
	if c, ok := r.caps[transport]; ok && c > 0 {
		return c
	}
	return DefaultCap
}

func countKey(tenantID string, transport model.Transport) string {
	return fmt.Sprintf("mc:conncount:%s:%s", tenantID, transport)
}

func membersKey(tenantID, credentialID string) string {
	return fmt.Sprintf("mc:connmembers:%s:%s", tenantID, credentialID)
}

func revokedKey(tenantID, credentialID string) string {
	return fmt.Sprintf("mc:revoked:%s:%s", tenantID, credentialID)
}

// TryAcquire atomically checks tenant's connection count against the cap
// for transport and, if under cap, increments it. The check and the
// increment happen inside a WATCH/MULTI transaction so concurrent callers
// never both succeed past the cap.
func (r *Registry) TryAcquire(ctx context.Context, tenantID string, transport model.Transport) (bool, error) {
	limit := r.capFor(transport)
	key := countKey(tenantID, transport)
	acquired := false

	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		count, err := tx.Get(ctx, key).Int()
		if err != nil && err != goredis.Nil {
			return err
		}
		if count >= limit {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, memberTTL)
			return nil
		})
		if err != nil {
			return err
		}
		acquired = true
		return nil
	}, key)
	if err != nil {
		return false, fmt.Errorf("registry: try acquire: %w", err)
	}
	return acquired, nil
}

// Release decrements tenant's connection count for transport, freeing a
// slot for a future accept. Must be called exactly once per successful
// TryAcquire, on connection close.
func (r *Registry) Release(ctx context.Context, tenantID string, transport model.Transport) error {
	if err := r.client.Decr(ctx, countKey(tenantID, transport)).Err(); err != nil {
		return fmt.Errorf("registry: release: %w", err)
	}
	return nil
}

// Heartbeat refreshes the connection-count TTL and the connection's
// membership entry so a live connection's slot is not reclaimed as
// crashed. Callers invoke this periodically for the lifetime of a
// connection (the SSE heartbeat and the WS ping both double as this).
func (r *Registry) Heartbeat(ctx context.Context, tenantID, credentialID, connectionID string, transport model.Transport) error {
	now := float64(time.Now().Add(memberTTL).Unix())
	_, err := r.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Expire(ctx, countKey(tenantID, transport), memberTTL)
		pipe.ZAdd(ctx, membersKey(tenantID, credentialID), goredis.Z{Score: now, Member: connectionID})
		pipe.Expire(ctx, membersKey(tenantID, credentialID), memberTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	return nil
}

// Forget removes a connection from a credential's membership set, on
// disconnect.
func (r *Registry) Forget(ctx context.Context, tenantID, credentialID, connectionID string) error {
	if err := r.client.ZRem(ctx, membersKey(tenantID, credentialID), connectionID).Err(); err != nil {
		return fmt.Errorf("registry: forget: %w", err)
	}
	return nil
}

// RevokeCredential marks credentialID as revoked for tenantID. Live
// connections authenticated under it are expected to poll IsRevoked
// periodically and close themselves.
func (r *Registry) RevokeCredential(ctx context.Context, tenantID, credentialID string) error {
	if err := r.client.Set(ctx, revokedKey(tenantID, credentialID), "1", revocationTTL).Err(); err != nil {
		return fmt.Errorf("registry: revoke credential: %w", err)
	}
	return nil
}

// IsRevoked reports whether credentialID has been revoked for tenantID.
func (r *Registry) IsRevoked(ctx context.Context, tenantID, credentialID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKey(tenantID, credentialID)).Result()
	if err != nil {
		return false, fmt.Errorf("registry: is revoked: %w", err)
	}
	return n > 0, nil
}

// ActiveConnections returns the live connection IDs for a credential,
// useful for bridge introspection and forced-disconnect sweeps.
func (r *Registry) ActiveConnections(ctx context.Context, tenantID, credentialID string) ([]string, error) {
	members, err := r.client.ZRange(ctx, membersKey(tenantID, credentialID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: active connections: %w", err)
	}
	return members, nil
}
