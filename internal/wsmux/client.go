package wsmux

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mission-control/internal/channels"
	"mission-control/internal/fabric"
	"mission-control/internal/messaging"
	"mission-control/internal/model"
)

// Client is one locally connected WebSocket socket.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	id           string
	tenantID     string
	userID       string
	credentialID string
	senderKind   model.SenderKind
	logger       *logrus.Logger

	// channelsMu guards channels: handleSubscribe mutates it from this
	// client's own readPump goroutine, while the hub's per-tenant dispatch
	// goroutine reads it via acceptsChannel to decide fan-out.
	channelsMu sync.RWMutex
	channels   map[string]struct{}
}

func (c *Client) acceptsChannel(channelID string) bool {
	c.channelsMu.RLock()
	defer c.channelsMu.RUnlock()
	conn := model.Connection{Channels: c.channels}
	return conn.AcceptsChannel(channelID)
}

func (c *Client) closeWithCode(code int, reason string) {
	closeConnWithCode(c.conn, code, reason)
}

// closeConnWithCode sends a close frame carrying code/reason and closes the
// socket. Usable both on a registered Client and on a bare upgraded
// connection that never gets registered, e.g. one rejected for being over
// the tenant's connection cap.
func closeConnWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// readPump pumps inbound frames off the socket until it closes, following
// the same read-deadline/pong-handler/defer-unregister shape as the donor
// readPump, retargeted to this core's frame grammar.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
		bg := context.Background()
		_ = c.hub.registry.Release(bg, c.tenantID, model.TransportWS)
		_ = c.hub.registry.Forget(bg, c.tenantID, c.credentialID, c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		_ = c.hub.registry.Heartbeat(context.Background(), c.tenantID, c.credentialID, c.id, model.TransportWS)
		return nil
	})

	revocationChecks := 0
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		revocationChecks++
		if revocationChecks%revocationCheckEvery == 0 && c.isRevoked() {
			c.closeWithCode(CloseAuthFailed, closeRevokedReason)
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.trySend(encodeError("bad_request", "invalid frame"))
			continue
		}
		c.handleFrame(frame)
	}
}

const revocationCheckEvery = 20

func (c *Client) isRevoked() bool {
	revoked, err := c.hub.registry.IsRevoked(context.Background(), c.tenantID, c.credentialID)
	return err == nil && revoked
}

// writePump pumps frames queued for this client out to the socket and
// keeps the connection alive with periodic pings, following the donor's
// writePump shape verbatim.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) handleFrame(frame InboundFrame) {
	switch frame.Type {
	case frameTypePing:
		c.trySend(encodePong())
	case frameTypeSubscribe:
		c.handleSubscribe(frame)
	case frameTypeMessage:
		c.handleMessage(frame)
	case frameTypeTyping, frameTypeTypingStopped:
		c.handleTyping(frame)
	default:
		c.trySend(encodeError("unknown_frame_type", "unrecognized frame type: "+frame.Type))
	}
}

func (c *Client) handleSubscribe(frame InboundFrame) {
	ctx := context.Background()
	accepted := make(map[string]struct{}, len(frame.ChannelIDs))
	acceptedList := make([]string, 0, len(frame.ChannelIDs))
	for _, channelID := range frame.ChannelIDs {
		ok, err := channels.CanAccess(ctx, c.hub.access, c.tenantID, c.userID, channelID)
		if err != nil || !ok {
			continue
		}
		accepted[channelID] = struct{}{}
		acceptedList = append(acceptedList, channelID)
	}
	c.channelsMu.Lock()
	if c.channels == nil {
		c.channels = accepted
	} else {
		for channelID := range accepted {
			c.channels[channelID] = struct{}{}
		}
	}
	c.channelsMu.Unlock()
	c.trySend(encodeSubscribed(acceptedList))
}

func (c *Client) handleMessage(frame InboundFrame) {
	ctx := context.Background()
	if frame.ChannelID == "" {
		c.trySend(encodeError("bad_request", "channel_id is required"))
		return
	}
	_, err := c.hub.messages.Post(ctx, messaging.PostInput{
		TenantID:   c.tenantID,
		ChannelID:  frame.ChannelID,
		SenderID:   c.userID,
		SenderName: c.hub.displayName(ctx, c.tenantID, c.userID),
		SenderKind: c.senderKind,
		Content:    frame.Content,
		ClientID:   frame.ClientID,
		Mentions:   frame.Mentions,
	})
	if err != nil {
		if err == messaging.ErrAccessDenied {
			c.trySend(encodeError("access_denied", "you may not post to this channel"))
			return
		}
		c.logger.WithError(err).WithField("channel_id", frame.ChannelID).Error("wsmux: message post failed")
		c.trySend(encodeError("internal_error", "failed to post message"))
	}
}

// handleTyping publishes an ephemeral typing signal directly to the chat
// stream. Typing indicators are never persisted or appended to the durable
// log, so this skips messaging.Service entirely.
func (c *Client) handleTyping(frame InboundFrame) {
	if frame.ChannelID == "" {
		return
	}
	ctx := context.Background()
	ok, err := channels.CanAccess(ctx, c.hub.access, c.tenantID, c.userID, frame.ChannelID)
	if err != nil || !ok {
		c.trySend(encodeError("access_denied", "you may not post to this channel"))
		return
	}
	_ = c.hub.fab.PublishChat(ctx, fabric.Frame{
		Type:      frame.Type,
		TenantID:  c.tenantID,
		ChannelID: frame.ChannelID,
		Payload: map[string]any{
			"channel_id": frame.ChannelID,
			"user_id":    c.userID,
		},
	})
}
