// Package authctx resolves the bearer credential presented on SSE and
// WebSocket connections. Both transports need to authenticate before gin's
// usual JWT/API-token middleware chain runs (the WS handshake upgrades the
// connection itself, and browsers cannot set custom headers on it), so this
// package gives the hub a single resolution path shared by internal/sse and
// internal/wsmux instead of duplicating pkg/auth's two credential checks.
package authctx

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"mission-control/internal/model"
	"mission-control/pkg/auth"
)

// ErrMissingCredential is returned when a request carries no bearer token.
var ErrMissingCredential = errors.New("authctx: missing bearer credential")

// Identity is the resolved caller behind a live connection.
type Identity struct {
	UserID       string
	TenantID     string
	CredentialID string
	Kind         model.ActorKind
}

// Resolver validates a bearer token against either long-lived API
// credentials or short-lived session JWTs, in that order: API tokens are
// how the comms bridge and other agents authenticate, JWTs are how human
// browser sessions do.
type Resolver struct {
	db        *sql.DB
	jwtSecret []byte
}

// New builds a Resolver.
func New(db *sql.DB, jwtSecret []byte) *Resolver {
	return &Resolver{db: db, jwtSecret: jwtSecret}
}

// Resolve validates bearer and returns the identity behind it.
func (r *Resolver) Resolve(bearer string) (Identity, error) {
	if bearer == "" {
		return Identity{}, ErrMissingCredential
	}

	if token, err := auth.ValidateAPIToken(r.db, bearer); err == nil {
		return Identity{
			UserID:       token.UserID,
			TenantID:     token.TenantID,
			CredentialID: token.ID,
			Kind:         model.ActorAgent,
		}, nil
	}

	claims, err := auth.ValidateJWT(bearer, r.jwtSecret)
	if err != nil {
		return Identity{}, auth.ErrUnauthenticated
	}
	return Identity{
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		CredentialID: claims.ID,
		Kind:         model.ActorHuman,
	}, nil
}

// BearerFromRequest extracts a bearer token from the Authorization header,
// falling back to a ?token= query parameter for transports (browser
// WebSocket handshakes) that cannot set custom headers.
func BearerFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
	}
	return c.Query("token")
}
