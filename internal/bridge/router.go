package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"mission-control/internal/model"
)

// maxPendingReplies bounds the buffer of replies that failed to post back to
// the hub after exhausting outboundClient's retries; once full the oldest
// buffered reply is dropped to make room, the same best-effort trade-off the
// donor relay's bounded deque makes.
const maxPendingReplies = 1000

type pendingReply struct {
	channelID string
	content   string
}

// Router dispatches decoded events from the hub's stream to either a local
// mc-bridge control command or the external agent runtime, applying
// self-loop prevention so the bridge never relays its own posted replies
// back to the runtime as new input.
type Router struct {
	cfg     *Config
	subs    *Subscriptions
	store   *Store
	hub     *HubClient
	runtime *RuntimeClient
	metrics *Metrics
	logger  *logrus.Logger

	pendingMu sync.Mutex
	pending   []pendingReply
}

// NewRouter wires a Router.
func NewRouter(cfg *Config, subs *Subscriptions, store *Store, hub *HubClient, runtime *RuntimeClient, metrics *Metrics, logger *logrus.Logger) *Router {
	return &Router{cfg: cfg, subs: subs, store: store, hub: hub, runtime: runtime, metrics: metrics, logger: logger}
}

// HandleEvent dispatches one decoded event. The caller considers the event
// handled as soon as this returns, regardless of whether an outbound reply
// it triggered actually reached the hub; a failed reply is buffered instead
// for a later flush, not retried here.
func (r *Router) HandleEvent(ctx context.Context, e model.Event) {
	switch e.Type {
	case model.EventTypeReset:
		r.logger.Warn("bridge: cursor reset by hub, resuming without historical replay")
	case model.EventTypeSessionRevoked:
		r.logger.Error("bridge: credential revoked, bridge connection will not recover without reconfiguration")
	case "message.created":
		r.handleMessageCreated(ctx, e)
	case "command.invoked":
		r.handleCommandInvoked(ctx, e)
	case "sub_agent.created":
		r.handleSubAgentCreated(e)
	case "sub_agent.terminated":
		r.handleSubAgentTerminated(e)
	case "project.user_assigned":
		r.handleProjectAssigned(e)
	case "project.user_unassigned":
		r.handleProjectUnassigned(e)
	}
}

func (r *Router) handleMessageCreated(ctx context.Context, e model.Event) {
	channelID, ok := e.Payload.ChannelID()
	if !ok || channelID == "" {
		return
	}
	senderID, _ := e.Payload.SenderID()
	if senderID == r.cfg.AgentIdentity {
		return
	}
	content, _ := e.Payload["content"].(string)
	if content == "" {
		return
	}

	if args, ok := strings.CutPrefix(strings.TrimSpace(content), "mc-bridge "); ok {
		r.metrics.CommandRouted(r.cfg.OrgSlug, "mc-bridge")
		if reply := r.handleLocalCommand(args, channelID); reply != "" {
			r.postReply(ctx, channelID, reply)
		}
		return
	}

	// A leading "/" means the hub already (or will) emit a separate
	// command.invoked event for this message; don't double-forward it
	// as freeform chat.
	if strings.HasPrefix(strings.TrimSpace(content), "/") {
		return
	}

	if !r.subs.Has(r.topicForChannel(channelID)) {
		return
	}

	sessionKey := r.sessionKeyForChannel(channelID)
	if err := r.store.MapSession(sessionKey, channelID); err != nil {
		r.logger.WithError(err).Warn("bridge: failed to persist session mapping")
	}

	reply, err := r.runtime.Chat(ctx, sessionKey, senderID, content)
	if err != nil {
		r.logger.WithError(err).WithField("channel_id", channelID).Error("bridge: runtime chat failed")
		return
	}
	if reply == "" {
		return
	}
	r.postReply(ctx, channelID, reply)
}

func (r *Router) handleCommandInvoked(ctx context.Context, e model.Event) {
	channelID, ok := e.Payload.ChannelID()
	if !ok || channelID == "" {
		return
	}
	senderID, _ := e.Payload.SenderID()
	if senderID == r.cfg.AgentIdentity {
		return
	}
	command, _ := e.Payload["command"].(string)
	if command == "" {
		return
	}
	args, _ := e.Payload["args"].(string)

	if !r.subs.Has(r.topicForChannel(channelID)) {
		return
	}

	sessionKey := r.sessionKeyForChannel(channelID)
	if err := r.store.MapSession(sessionKey, channelID); err != nil {
		r.logger.WithError(err).Warn("bridge: failed to persist session mapping")
	}

	reply, err := r.runtime.Command(ctx, sessionKey, command, args)
	if err != nil {
		r.logger.WithError(err).WithField("channel_id", channelID).Error("bridge: runtime command failed")
		return
	}
	if reply == "" {
		return
	}
	r.postReply(ctx, channelID, reply)
}

func (r *Router) postReply(ctx context.Context, channelID, content string) {
	if err := r.hub.PostMessage(ctx, channelID, content, r.cfg.AgentIdentity, r.cfg.AgentIdentity); err != nil {
		r.metrics.OutboundError(r.cfg.OrgSlug)
		r.logger.WithError(err).Warn("bridge: failed to post reply, buffering for later flush")
		r.bufferPending(channelID, content)
		return
	}
	r.metrics.OutboundMessage(r.cfg.OrgSlug)
}

// bufferPending holds a reply that outboundClient's retries could not
// deliver, for FlushPending to retry once on shutdown. The buffer is
// best-effort and capped: a crash loses everything in it, and once it holds
// maxPendingReplies entries each new reply evicts the oldest one.
func (r *Router) bufferPending(channelID, content string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if len(r.pending) >= maxPendingReplies {
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, pendingReply{channelID: channelID, content: content})
}

// FlushPending makes one best-effort attempt to post every buffered reply
// before the bridge process exits. Replies that fail again are dropped.
func (r *Router) FlushPending(ctx context.Context) {
	r.pendingMu.Lock()
	pending := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	for _, p := range pending {
		if err := r.hub.PostMessage(ctx, p.channelID, p.content, r.cfg.AgentIdentity, r.cfg.AgentIdentity); err != nil {
			r.metrics.OutboundError(r.cfg.OrgSlug)
			r.logger.WithError(err).Error("bridge: dropping buffered reply, flush failed")
			continue
		}
		r.metrics.OutboundMessage(r.cfg.OrgSlug)
	}
}

func (r *Router) handleSubAgentCreated(e model.Event) {
	subAgentID, _ := e.Payload["sub_agent_id"].(string)
	channelID, _ := e.Payload.ChannelID()
	if subAgentID == "" || channelID == "" {
		return
	}
	sessionKey := r.subAgentSessionKey(subAgentID)
	if err := r.store.MapSession(sessionKey, channelID); err != nil {
		r.logger.WithError(err).Warn("bridge: failed to persist sub-agent session mapping")
	}
}

// handleSubAgentTerminated destroys the session mapping created by
// sub_agent.created; the mapping outlives the sub-agent otherwise, and a
// future sub-agent reusing the same id would inherit the wrong channel.
func (r *Router) handleSubAgentTerminated(e model.Event) {
	subAgentID, _ := e.Payload["sub_agent_id"].(string)
	if subAgentID == "" {
		return
	}
	if err := r.store.DeleteSessionMapping(r.subAgentSessionKey(subAgentID)); err != nil {
		r.logger.WithError(err).Warn("bridge: failed to delete sub-agent session mapping")
	}
}

// handleProjectAssigned creates the session mapping for a project assigned
// to this bridge's agent identity. Only an assignment naming this agent is
// ours to track; other agents' assignments are not our concern.
func (r *Router) handleProjectAssigned(e model.Event) {
	userID, _ := e.Payload["user_id"].(string)
	if userID != r.cfg.AgentIdentity {
		return
	}
	projectID, _ := e.Payload.ProjectID()
	channelID, _ := e.Payload.ChannelID()
	if projectID == "" || channelID == "" {
		return
	}
	if err := r.store.MapSession(r.projectSessionKey(projectID), channelID); err != nil {
		r.logger.WithError(err).Warn("bridge: failed to persist project session mapping")
	}
}

// handleProjectUnassigned destroys the session mapping created by
// handleProjectAssigned once this agent loses the project.
func (r *Router) handleProjectUnassigned(e model.Event) {
	userID, _ := e.Payload["user_id"].(string)
	if userID != r.cfg.AgentIdentity {
		return
	}
	projectID, _ := e.Payload.ProjectID()
	if projectID == "" {
		return
	}
	if err := r.store.DeleteSessionMapping(r.projectSessionKey(projectID)); err != nil {
		r.logger.WithError(err).Warn("bridge: failed to delete project session mapping")
	}
}

func (r *Router) subAgentSessionKey(subAgentID string) string {
	return fmt.Sprintf("mc:%s:sub:%s", r.cfg.OrgSlug, subAgentID)
}

func (r *Router) projectSessionKey(projectID string) string {
	return fmt.Sprintf("mc:%s:project:%s", r.cfg.OrgSlug, projectID)
}

func (r *Router) sessionKeyForChannel(channelID string) string {
	return fmt.Sprintf("hub:%s:project:%s", r.cfg.OrgSlug, channelID)
}

// topicForChannel maps a channel id to the topic string the Subscription
// Set gates on. By convention, absent any richer taxonomy, a channel's
// topic is the channel id itself.
func (r *Router) topicForChannel(channelID string) string {
	return channelID
}

// handleLocalCommand implements the "mc-bridge subscribe <topic>",
// "mc-bridge unsubscribe <topic>", and "mc-bridge subscriptions" commands a
// channel member can type directly, without reaching the agent runtime at
// all.
func (r *Router) handleLocalCommand(args, channelID string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "usage: mc-bridge subscribe <topic>|unsubscribe <topic>|subscriptions"
	}
	switch fields[0] {
	case "subscribe":
		topic := channelID
		if len(fields) > 1 {
			topic = fields[1]
		}
		r.subs.Add(topic)
		return fmt.Sprintf("Subscribed to topic: %s", topic)
	case "unsubscribe":
		topic := channelID
		if len(fields) > 1 {
			topic = fields[1]
		}
		if r.subs.Remove(topic) {
			return fmt.Sprintf("Unsubscribed from topic: %s", topic)
		}
		return fmt.Sprintf("not subscribed to topic: %s", topic)
	case "subscriptions":
		list := r.subs.List()
		if len(list) == 0 {
			return "no active subscriptions (accepting all)"
		}
		return "subscribed topics: " + strings.Join(list, ", ")
	default:
		return "usage: mc-bridge subscribe <topic>|unsubscribe <topic>|subscriptions"
	}
}
