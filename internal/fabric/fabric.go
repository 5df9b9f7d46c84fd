// Package fabric implements the cross-process pub/sub fabric (component B)
// carrying two logical stream families per tenant: the event stream (all
// broadcaster output) and the chat stream (messages and ephemeral signals
// like typing indicators). Delivery is at-most-once per subscriber; a
// dropped subscriber loses messages until it resubscribes, which is why
// the replay path in internal/sse exists.
package fabric

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"mission-control/internal/model"
	mcredis "mission-control/pkg/redis"
)

// Frame is the envelope published on the chat stream: a message, a typing
// signal, or a revocation notice, discriminated by Type.
type Frame struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id"`
	ChannelID string         `json:"channel_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Fabric is the tenant-keyed publish/subscribe transport.
type Fabric struct {
	events *mcredis.TypedPubSub[model.Event]
	chat   *mcredis.TypedPubSub[Frame]
}

// New builds a Fabric over a shared Redis client.
func New(client goredis.UniversalClient) *Fabric {
	return &Fabric{
		events: mcredis.NewTypedPubSub[model.Event](client),
		chat:   mcredis.NewTypedPubSub[Frame](client),
	}
}

func eventChannel(tenantID string) string { return fmt.Sprintf("mc:events:%s", tenantID) }
func chatChannel(tenantID string) string  { return fmt.Sprintf("mc:chat:%s", tenantID) }

// PublishEvent publishes an event on tenant's event stream.
func (f *Fabric) PublishEvent(ctx context.Context, e model.Event) error {
	return f.events.Publish(ctx, eventChannel(e.TenantID), e)
}

// SubscribeEvents subscribes to tenant's event stream until ctx is done.
func (f *Fabric) SubscribeEvents(ctx context.Context, tenantID string, handler func(model.Event)) error {
	return f.events.Subscribe(ctx, eventChannel(tenantID), handler)
}

// PublishChat publishes a chat frame on tenant's chat stream.
func (f *Fabric) PublishChat(ctx context.Context, frame Frame) error {
	return f.chat.Publish(ctx, chatChannel(frame.TenantID), frame)
}

// SubscribeChat subscribes to tenant's chat stream until ctx is done.
func (f *Fabric) SubscribeChat(ctx context.Context, tenantID string, handler func(Frame)) error {
	return f.chat.Subscribe(ctx, chatChannel(tenantID), handler)
}
