package messaging

import (
	"context"
	"errors"
	"fmt"

	"mission-control/internal/channels"
	"mission-control/internal/fabric"
	"mission-control/internal/model"
)

// ErrAccessDenied is returned by Post when the sender may not post to the
// requested channel.
var ErrAccessDenied = errors.New("messaging: access denied")

// EventEmitter is the event-log-and-fabric side effect of a posted message:
// component D, consumed narrowly so this package does not import it
// directly.
type EventEmitter interface {
	Broadcast(ctx context.Context, tenantID, eventType, actorID string, actorKind model.ActorKind, payload model.Payload) (model.Event, error)
}

// ChatPublisher is the low-latency chat-stream side effect of a posted
// message, delivered alongside (not instead of) the durable event.
type ChatPublisher interface {
	PublishChat(ctx context.Context, frame fabric.Frame) error
}

// Service composes message persistence, access control, mention/command
// parsing, and the dual chat-stream/event-log side effects into the single
// operation a WebSocket message frame triggers.
type Service struct {
	store  *Store
	access channels.Access
	events EventEmitter
	chat   ChatPublisher
}

// NewService wires a Service.
func NewService(store *Store, access channels.Access, events EventEmitter, chat ChatPublisher) *Service {
	return &Service{store: store, access: access, events: events, chat: chat}
}

// PostInput carries the inbound fields of a WebSocket `message` frame.
type PostInput struct {
	TenantID   string
	ChannelID  string
	SenderID   string
	SenderName string
	SenderKind model.SenderKind
	Content    string
	ClientID   string
	Mentions   []string
}

// Post validates channel access, extracts mentions and slash commands,
// persists the message, publishes it on the chat stream, and emits the
// corresponding durable events (message.created, and mention.created or
// command.invoked when applicable).
func (s *Service) Post(ctx context.Context, in PostInput) (model.Message, error) {
	allowed, err := channels.CanAccess(ctx, s.access, in.TenantID, in.SenderID, in.ChannelID)
	if err != nil {
		return model.Message{}, fmt.Errorf("messaging: check access: %w", err)
	}
	if !allowed {
		return model.Message{}, ErrAccessDenied
	}

	mentions := model.ExtractMentions(in.Content, in.Mentions)
	msg := model.Message{
		TenantID:   in.TenantID,
		ChannelID:  in.ChannelID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		SenderKind: in.SenderKind,
		Content:    in.Content,
		Mentions:   mentions,
		ClientID:   in.ClientID,
	}

	saved, err := s.store.Save(ctx, msg)
	if err != nil {
		return model.Message{}, err
	}

	frame := fabric.Frame{
		Type:      "message",
		TenantID:  in.TenantID,
		ChannelID: in.ChannelID,
		Payload: map[string]any{
			"id":          saved.ID,
			"channel_id":  saved.ChannelID,
			"sender_id":   saved.SenderID,
			"sender_name": saved.SenderName,
			"sender_kind": string(saved.SenderKind),
			"content":     saved.Content,
			"mentions":    saved.Mentions,
			"client_id":   saved.ClientID,
			"created_at":  saved.CreatedAt,
		},
	}
	if err := s.chat.PublishChat(ctx, frame); err != nil {
		return model.Message{}, fmt.Errorf("messaging: publish chat frame: %w", err)
	}

	messagePayload := model.Payload{
		"message_id": saved.ID,
		"channel_id": saved.ChannelID,
		"sender_id":  saved.SenderID,
		"content":    saved.Content,
	}
	if _, err := s.events.Broadcast(ctx, in.TenantID, "message.created", in.SenderID, senderActorKind(in.SenderKind), messagePayload); err != nil {
		return model.Message{}, fmt.Errorf("messaging: emit message.created: %w", err)
	}

	for _, mentioned := range saved.Mentions {
		payload := model.Payload{
			"message_id": saved.ID,
			"channel_id": saved.ChannelID,
			"sender_id":  saved.SenderID,
			"user_id":    mentioned,
		}
		if _, err := s.events.Broadcast(ctx, in.TenantID, "mention.created", in.SenderID, senderActorKind(in.SenderKind), payload); err != nil {
			return model.Message{}, fmt.Errorf("messaging: emit mention.created: %w", err)
		}
	}

	if command, args, ok := model.SlashCommand(saved.Content); ok {
		payload := model.Payload{
			"message_id": saved.ID,
			"channel_id": saved.ChannelID,
			"sender_id":  saved.SenderID,
			"command":    command,
			"args":       args,
		}
		if _, err := s.events.Broadcast(ctx, in.TenantID, "command.invoked", in.SenderID, senderActorKind(in.SenderKind), payload); err != nil {
			return model.Message{}, fmt.Errorf("messaging: emit command.invoked: %w", err)
		}
	}

	return saved, nil
}

func senderActorKind(kind model.SenderKind) model.ActorKind {
	if kind == model.SenderAgent {
		return model.ActorAgent
	}
	return model.ActorHuman
}
