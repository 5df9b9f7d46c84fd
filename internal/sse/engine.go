// Package sse implements the SSE stream engine (component E): per-client
// replay from the ring buffer or durable log followed by a live tail of the
// pub/sub fabric, with connection-cap enforcement and periodic revocation
// checks. Grounded on the donor's consultant_chat sseStreamer for the
// writer/flush shape, generalized from a single chat stream to the
// filtered, resumable, multi-tenant event stream SPEC_FULL.md §4.E
// describes.
package sse

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mission-control/internal/authctx"
	"mission-control/internal/eventlog"
	"mission-control/internal/model"
	"mission-control/internal/ringbuffer"
)

const (
	// MaxReplay bounds how many events a single accept replays from the
	// durable log before switching to the live tail.
	MaxReplay = 1000
	// revocationCheckEvery is how many heartbeat ticks pass between
	// polls of the connection's revocation status.
	revocationCheckEvery = 10
)

// RingBuffer is the replay fast path this engine depends on.
type RingBuffer interface {
	Snapshot(ctx context.Context, tenantID string) ([]model.Event, error)
}

// EventLog is the replay fallback and cursor-validity source this engine
// depends on.
type EventLog interface {
	Range(ctx context.Context, tenantID string, afterSequenceID int64, limit int) ([]model.Event, error)
	MinSequenceID(ctx context.Context, tenantID string) (int64, error)
}

// Fabric is the live-tail source this engine depends on.
type Fabric interface {
	SubscribeEvents(ctx context.Context, tenantID string, handler func(model.Event)) error
}

// Registry is the connection cap and revocation dependency this engine
// shares with internal/wsmux.
type Registry interface {
	TryAcquire(ctx context.Context, tenantID string, transport model.Transport) (bool, error)
	Release(ctx context.Context, tenantID string, transport model.Transport) error
	Heartbeat(ctx context.Context, tenantID, credentialID, connectionID string, transport model.Transport) error
	Forget(ctx context.Context, tenantID, credentialID, connectionID string) error
	IsRevoked(ctx context.Context, tenantID, credentialID string) (bool, error)
}

// FilterStore loads a subscriber's subscription filter snapshot.
type FilterStore interface {
	Load(ctx context.Context, tenantID, userID string) (model.Filter, error)
}

// Config tunes the engine's timing. The zero value is filled in with
// sensible defaults by New.
type Config struct {
	// HeartbeatInterval bounds how often a comment line is sent to keep
	// intermediate proxies from timing out an idle stream, and is also
	// the cadence the revocation check rides on.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Engine serves the SSE stream endpoint.
type Engine struct {
	ringBuffer RingBuffer
	eventLog   EventLog
	fabric     Fabric
	registry   Registry
	filters    FilterStore
	resolver   *authctx.Resolver
	logger     *logrus.Logger
	cfg        Config
}

// New wires an Engine.
func New(rb RingBuffer, log EventLog, fb Fabric, reg Registry, filterStore FilterStore, resolver *authctx.Resolver, logger *logrus.Logger, cfg Config) *Engine {
	return &Engine{
		ringBuffer: rb, eventLog: log, fabric: fb, registry: reg,
		filters: filterStore, resolver: resolver, logger: logger, cfg: cfg.withDefaults(),
	}
}

// Handler is the gin handler for GET /api/v1/orgs/:tenant_slug/events/stream.
// Tenant resolution from the URL's :tenant_slug to a tenant_id is owned by
// the (out of scope) CRUD surface; here the tenant_id carried by the
// caller's own credential is authoritative.
func (e *Engine) Handler(c *gin.Context) {
	identity, err := e.resolver.Resolve(authctx.BearerFromRequest(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	acquired, err := e.registry.TryAcquire(ctx, identity.TenantID, model.TransportSSE)
	if err != nil {
		e.logger.WithError(err).Error("sse: try acquire failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if !acquired {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "connection_limit_exceeded"})
		return
	}

	connID := uuid.NewString()
	defer func() {
		bg := context.Background()
		_ = e.registry.Release(bg, identity.TenantID, model.TransportSSE)
		_ = e.registry.Forget(bg, identity.TenantID, identity.CredentialID, connID)
	}()

	filter, err := e.filters.Load(ctx, identity.TenantID, identity.UserID)
	if err != nil {
		e.logger.WithError(err).Warn("sse: filter load failed, defaulting to unfiltered")
		filter = model.Filter{}
	}

	w, err := newWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	w.flusher.Flush()

	maxEmitted := int64(0)
	if cursorHeader := c.GetHeader("Last-Event-ID"); cursorHeader != "" {
		if cursor, convErr := strconv.ParseInt(cursorHeader, 10, 64); convErr == nil {
			maxEmitted = e.replay(ctx, w, identity.TenantID, cursor, filter)
		}
	}

	e.live(ctx, w, identity, filter, connID, maxEmitted)
}

// replay emits events after cursor, preferring the ring buffer and falling
// back to the durable log, and returns the highest sequence_id emitted (or
// cursor itself, if replay emitted nothing because everything was filtered
// out or the cursor had expired).
func (e *Engine) replay(ctx context.Context, w *writer, tenantID string, cursor int64, filter model.Filter) int64 {
	maxEmitted := cursor

	snapshot, err := e.ringBuffer.Snapshot(ctx, tenantID)
	if err == nil && ringbuffer.Covers(snapshot, cursor) {
		for _, ev := range snapshot {
			if ev.SequenceID <= cursor || !filter.Matches(ev) {
				continue
			}
			if sendErr := w.SendEvent(ev); sendErr != nil {
				return maxEmitted
			}
			maxEmitted = ev.SequenceID
		}
		return maxEmitted
	}
	if err != nil {
		e.logger.WithError(err).Warn("sse: ring buffer snapshot failed, falling back to event log")
	}

	minSeq, err := e.eventLog.MinSequenceID(ctx, tenantID)
	expired := errors.Is(err, eventlog.ErrNoRows) || (err == nil && cursor < minSeq)
	if err != nil && !errors.Is(err, eventlog.ErrNoRows) {
		e.logger.WithError(err).Warn("sse: min sequence lookup failed, treating cursor as expired")
		expired = true
	}
	if expired {
		_ = w.SendReset()
		return maxEmitted
	}

	events, err := e.eventLog.Range(ctx, tenantID, cursor, MaxReplay)
	if err != nil {
		e.logger.WithError(err).Error("sse: replay range failed")
		return maxEmitted
	}
	for _, ev := range events {
		if !filter.Matches(ev) {
			continue
		}
		if sendErr := w.SendEvent(ev); sendErr != nil {
			return maxEmitted
		}
		maxEmitted = ev.SequenceID
	}
	return maxEmitted
}

// live tails the fabric until the client disconnects or its credential is
// revoked, deduplicating against events already replayed.
func (e *Engine) live(ctx context.Context, w *writer, identity authctx.Identity, filter model.Filter, connID string, maxEmitted int64) {
	events := make(chan model.Event, 32)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = e.fabric.SubscribeEvents(subCtx, identity.TenantID, func(ev model.Event) {
			select {
			case events <- ev:
			case <-subCtx.Done():
			}
		})
	}()

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	iteration := 0

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.SequenceID <= maxEmitted || !filter.Matches(ev) {
				continue
			}
			if err := w.SendEvent(ev); err != nil {
				return
			}
			maxEmitted = ev.SequenceID
		case <-heartbeat.C:
			if err := w.SendHeartbeat(); err != nil {
				return
			}
			_ = e.registry.Heartbeat(ctx, identity.TenantID, identity.CredentialID, connID, model.TransportSSE)

			iteration++
			if iteration%revocationCheckEvery != 0 {
				continue
			}
			revoked, err := e.registry.IsRevoked(ctx, identity.TenantID, identity.CredentialID)
			if err != nil {
				e.logger.WithError(err).Warn("sse: revocation check failed")
				continue
			}
			if revoked {
				_ = w.SendSessionRevoked(identity.CredentialID)
				return
			}
		}
	}
}
