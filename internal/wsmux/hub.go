// Package wsmux implements the WebSocket multiplexer (component F):
// per-tenant fan-out of the chat stream to local client sockets, frame
// parsing for ping/subscribe/message/typing, and connection-cap and
// revocation enforcement shared with internal/sse. Grounded on the donor
// api_realtime Hub/Client shape, generalized from one process-wide
// broadcast channel to one fabric subscription per tenant so a client only
// ever receives frames for its own tenant.
package wsmux

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mission-control/internal/authctx"
	"mission-control/internal/channels"
	"mission-control/internal/fabric"
	"mission-control/internal/messaging"
	"mission-control/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Registry is the connection cap and revocation dependency this
// multiplexer shares with internal/sse.
type Registry interface {
	TryAcquire(ctx context.Context, tenantID string, transport model.Transport) (bool, error)
	Release(ctx context.Context, tenantID string, transport model.Transport) error
	Heartbeat(ctx context.Context, tenantID, credentialID, connectionID string, transport model.Transport) error
	Forget(ctx context.Context, tenantID, credentialID, connectionID string) error
	IsRevoked(ctx context.Context, tenantID, credentialID string) (bool, error)
}

// Fabric is the chat stream dependency this multiplexer both publishes to
// (typing signals) and subscribes from (fan-out to local sockets).
type Fabric interface {
	PublishChat(ctx context.Context, frame fabric.Frame) error
	SubscribeChat(ctx context.Context, tenantID string, handler func(fabric.Frame)) error
}

// DisplayNames resolves a user's display name for outgoing messages. The
// multiplexer itself does not own a user profile store; a nil DisplayNames
// falls back to echoing the user ID.
type DisplayNames interface {
	DisplayName(ctx context.Context, tenantID, userID string) (string, error)
}

// Hub owns one fabric chat subscription per tenant with a local client
// connected to it, and fans incoming frames out to every locally connected
// socket accepting that frame's channel.
type Hub struct {
	messages *messaging.Service
	access   channels.Access
	fab      Fabric
	registry Registry
	resolver *authctx.Resolver
	names    DisplayNames
	logger   *logrus.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantState

	register   chan *Client
	unregister chan *Client
}

type tenantState struct {
	clients map[*Client]struct{}
	cancel  context.CancelFunc
}

// New wires a Hub. names may be nil.
func New(messages *messaging.Service, access channels.Access, fab Fabric, reg Registry, resolver *authctx.Resolver, names DisplayNames, logger *logrus.Logger) *Hub {
	return &Hub{
		messages: messages, access: access, fab: fab, registry: reg, resolver: resolver, names: names, logger: logger,
		tenants:    make(map[string]*tenantState),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives registration/unregistration bookkeeping until ctx is done.
// Dispatch itself happens off each tenant's own SubscribeChat goroutine, so
// Run only needs to own the tenants map.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			state, ok := h.tenants[c.tenantID]
			if !ok {
				subCtx, cancel := context.WithCancel(ctx)
				state = &tenantState{clients: make(map[*Client]struct{}), cancel: cancel}
				h.tenants[c.tenantID] = state
				go h.subscribeTenant(subCtx, c.tenantID)
			}
			state.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if state, ok := h.tenants[c.tenantID]; ok {
				if _, present := state.clients[c]; present {
					delete(state.clients, c)
					close(c.send)
				}
				if len(state.clients) == 0 {
					state.cancel()
					delete(h.tenants, c.tenantID)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) subscribeTenant(ctx context.Context, tenantID string) {
	if err := h.fab.SubscribeChat(ctx, tenantID, func(frame fabric.Frame) {
		h.dispatch(tenantID, frame)
	}); err != nil && ctx.Err() == nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("wsmux: chat subscription ended")
	}
}

func (h *Hub) dispatch(tenantID string, frame fabric.Frame) {
	if frame.Type == frameTypeCredentialRevoked {
		h.closeRevoked(tenantID, frame)
		return
	}

	data := encodeFabricFrame(frame)
	h.mu.RLock()
	state, ok := h.tenants[tenantID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(state.clients))
	for c := range state.clients {
		if frame.ChannelID == "" || c.acceptsChannel(frame.ChannelID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			h.forceDisconnect(c)
		}
	}
}

func (h *Hub) closeRevoked(tenantID string, frame fabric.Frame) {
	credentialID, _ := frame.Payload["credential_id"].(string)
	if credentialID == "" {
		return
	}
	h.mu.RLock()
	state, ok := h.tenants[tenantID]
	var targets []*Client
	if ok {
		for c := range state.clients {
			if c.credentialID == credentialID {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.closeWithCode(CloseAuthFailed, closeRevokedReason)
	}
}

func (h *Hub) forceDisconnect(c *Client) {
	select {
	case h.unregister <- c:
	default:
	}
}

// ServeWS upgrades a tenant member's connection after checking its bearer
// credential, rejecting an unauthenticated request before the transport
// upgrade happens. An over-cap request is upgraded like any other and then
// immediately closed with close-code 4029, since SPEC_FULL.md's
// connection_limit_exceeded is a close code on a live socket, not a
// pre-upgrade HTTP status.
func (h *Hub) ServeWS(c *gin.Context) {
	identity, err := h.resolver.Resolve(authctx.BearerFromRequest(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": closeAuthFailedReason})
		return
	}

	ctx := c.Request.Context()
	acquired, err := h.registry.TryAcquire(ctx, identity.TenantID, model.TransportWS)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if acquired {
			_ = h.registry.Release(ctx, identity.TenantID, model.TransportWS)
		}
		return
	}

	if !acquired {
		closeConnWithCode(conn, CloseConnectionLimit, closeLimitReason)
		return
	}

	client := &Client{
		hub: h, conn: conn, send: make(chan []byte, 256),
		id: uuid.NewString(), tenantID: identity.TenantID, userID: identity.UserID,
		credentialID: identity.CredentialID, senderKind: senderKindFor(identity.Kind),
		logger: h.logger,
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

func senderKindFor(kind model.ActorKind) model.SenderKind {
	if kind == model.ActorAgent {
		return model.SenderAgent
	}
	return model.SenderHuman
}

func (h *Hub) displayName(ctx context.Context, tenantID, userID string) string {
	if h.names == nil {
		return userID
	}
	name, err := h.names.DisplayName(ctx, tenantID, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16384
)
