// Package hubapi implements the hub's plain REST surface: posting a chat
// message to a channel outside of an open WebSocket connection, which is
// how the comms bridge relays agent replies back in (SPEC_FULL.md §4.H).
package hubapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mission-control/internal/authctx"
	"mission-control/internal/messaging"
	"mission-control/internal/model"
)

// Handlers holds the hub's REST endpoints.
type Handlers struct {
	messages *messaging.Service
	resolver *authctx.Resolver
	logger   *logrus.Logger
}

// New wires Handlers.
func New(messages *messaging.Service, resolver *authctx.Resolver, logger *logrus.Logger) *Handlers {
	return &Handlers{messages: messages, resolver: resolver, logger: logger}
}

type postMessageRequest struct {
	Content    string `json:"content" binding:"required"`
	SenderID   string `json:"sender_id" binding:"required"`
	SenderName string `json:"sender_name"`
}

// PostMessage handles POST /api/v1/channels/:channel_id/messages, the
// REST path the comms bridge (and any other non-WebSocket caller) uses
// to post a chat message.
func (h *Handlers) PostMessage(c *gin.Context) {
	identity, err := h.resolver.Resolve(authctx.BearerFromRequest(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	channelID := c.Param("channel_id")
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id is required"})
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	senderKind := model.SenderHuman
	if identity.Kind == model.ActorAgent {
		senderKind = model.SenderAgent
	}

	msg, err := h.messages.Post(c.Request.Context(), messaging.PostInput{
		TenantID:   identity.TenantID,
		ChannelID:  channelID,
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		SenderKind: senderKind,
		Content:    req.Content,
	})
	if err != nil {
		if errors.Is(err, messaging.ErrAccessDenied) {
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		h.logger.WithError(err).Error("hubapi: post message failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, msg)
}
