package bridge

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mission-control/internal/model"
)

const (
	healthCheckTimeout  = 5 * time.Second
	outboundBufferSize  = 1000
	outboundWorkers     = 8
	shutdownFlushWindow = 15 * time.Second
)

// Bridge is one tenant's mission-control-bridge process: it tails the
// hub's event stream, relays chat into an external agent runtime, and
// posts replies back, all scoped to a single org_slug and agent identity.
// Decoded events are handed to a bounded outbound queue so a burst of chat
// activity cannot run the stream reader ahead of what the runtime can
// absorb; on shutdown the queue is given shutdownFlushWindow to drain.
type Bridge struct {
	cfg     *Config
	store   *Store
	subs    *Subscriptions
	sse     *SSEClient
	hub     *HubClient
	runtime *RuntimeClient
	router  *Router
	metrics *Metrics
	logger  *logrus.Logger

	// connected is set when Run starts the stream loop and cleared on
	// shutdown; it does not follow individual reconnect attempts.
	connected atomic.Bool

	outbound chan model.Event
	workerWG sync.WaitGroup
}

// New builds a Bridge from a loaded Config.
func New(cfg *Config, logger *logrus.Logger) (*Bridge, error) {
	store, err := OpenStore(cfg.StateDBPath)
	if err != nil {
		return nil, err
	}

	subs := NewSubscriptions()
	hubClient := NewHubClient(cfg.Hub.BaseURL, cfg.Hub.APIToken, logger)
	runtimeClient := NewRuntimeClient(cfg.Runtime.BaseURL, cfg.Runtime.APIKey, logger)
	sseClient := NewSSEClient(cfg.Hub.BaseURL, cfg.Hub.APIToken, cfg.HeartbeatTimeout, logger)
	metrics := NewMetrics(cfg.OrgSlug, "dev", "unknown")
	router := NewRouter(cfg, subs, store, hubClient, runtimeClient, metrics, logger)

	return &Bridge{
		cfg:      cfg,
		store:    store,
		subs:     subs,
		sse:      sseClient,
		hub:      hubClient,
		runtime:  runtimeClient,
		router:   router,
		metrics:  metrics,
		logger:   logger,
		outbound: make(chan model.Event, outboundBufferSize),
	}, nil
}

// Run starts the event stream and the metrics/health HTTP listener, and
// blocks until ctx is cancelled. On shutdown, it gives in-flight outbound
// replies up to shutdownFlushWindow to complete before returning.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.store.Close()

	cursor, err := b.store.Cursor(b.cfg.AgentIdentity)
	if err != nil {
		b.logger.WithError(err).Warn("bridge: failed to load persisted cursor, starting from zero")
		cursor = 0
	}

	httpServer := b.newMetricsServer()
	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	for i := 0; i < outboundWorkers; i++ {
		b.workerWG.Add(1)
		go b.runOutboundWorker()
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	go b.sse.Run(streamCtx, b.cfg.OrgSlug, cursor, b.onEvent)
	b.connected.Store(true)
	b.metrics.SetStreamConnected(b.cfg.OrgSlug, true)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		b.logger.WithError(err).Error("bridge: metrics server failed")
	}

	b.connected.Store(false)
	b.metrics.SetStreamConnected(b.cfg.OrgSlug, false)
	cancelStream()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), shutdownFlushWindow)
	defer cancelFlush()
	shutdownHTTPServer(flushCtx, httpServer)

	close(b.outbound)
	b.waitForOutbound(flushCtx)
	b.router.FlushPending(flushCtx)

	return nil
}

func (b *Bridge) newMetricsServer() *http.Server {
	router := gin.New()
	router.GET("/metrics", b.metrics.Handler())
	checker := newHealthChecker("dev", b.connected.Load, b.runtime.Healthy)
	router.GET("/health", checker.Handler())

	return &http.Server{
		Addr:    b.cfg.MetricsAddr,
		Handler: router,
	}
}

func shutdownHTTPServer(ctx context.Context, server *http.Server) {
	_ = server.Shutdown(ctx)
}

func (b *Bridge) waitForOutbound(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		b.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("bridge: shutdown flush window expired with outbound work still queued")
	}
}

// runOutboundWorker drains the outbound queue, handing each event to the
// router and only then persisting its cursor. Cursor persistence happens
// here, after HandleEvent returns, rather than at SSE read time: an event
// that was only ever enqueued (or dropped because the queue was full) must
// never advance the resume position, or a crash would skip it forever.
func (b *Bridge) runOutboundWorker() {
	defer b.workerWG.Done()
	for e := range b.outbound {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		b.router.HandleEvent(ctx, e)
		cancel()

		if e.SequenceID > 0 {
			if err := b.store.SaveCursor(b.cfg.AgentIdentity, e.SequenceID); err != nil {
				b.logger.WithError(err).Warn("bridge: failed to persist stream cursor")
			}
		}
	}
}

// onEvent is the SSEClient callback: it enqueues every decoded event onto
// the bounded outbound queue for a worker to pick up. A full queue means
// the runtime is falling behind the stream; the event is dropped rather
// than blocking the stream reader indefinitely, and its cursor is never
// persisted since runOutboundWorker never sees it.
func (b *Bridge) onEvent(e model.Event) {
	if e.Type == "message.created" {
		b.metrics.InboundMessage(b.cfg.OrgSlug)
	}
	select {
	case b.outbound <- e:
	default:
		b.logger.WithField("event_type", e.Type).Warn("bridge: outbound queue full, dropping event")
	}
}
