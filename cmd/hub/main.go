// Command mission-control-hub runs the real-time coordination hub: the
// durable event log, pub/sub fabric, ring buffer cache, event broadcaster,
// SSE stream engine, WebSocket multiplexer, and connection registry
// (components A-G) behind a single HTTP server.
package main

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mission-control/internal/authctx"
	"mission-control/internal/broadcaster"
	"mission-control/internal/channels"
	"mission-control/internal/eventlog"
	"mission-control/internal/fabric"
	"mission-control/internal/filters"
	"mission-control/internal/hubapi"
	"mission-control/internal/messaging"
	"mission-control/internal/model"
	"mission-control/internal/registry"
	"mission-control/internal/ringbuffer"
	"mission-control/internal/sse"
	"mission-control/internal/wsmux"
	"mission-control/pkg/config"
	"mission-control/pkg/database"
	"mission-control/pkg/logging"
	"mission-control/pkg/monitoring"
	mcredis "mission-control/pkg/redis"
	"mission-control/pkg/server"
	"mission-control/pkg/version"
)

const serviceName = "mission-control-hub"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	logger.Info("Starting Mission Control real-time hub")

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	db := database.MustConnect(database.Config{
		URL:             config.RequireEnv("DATABASE_URL"),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: 5 * time.Minute,
	}, logger)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	redisAddrs := strings.Split(config.GetEnv("REDIS_ADDRS", "localhost:6379"), ",")
	redisClient, err := mcredis.NewUniversalClient(context.Background(), mcredis.Config{
		Mode:     mcredis.Mode(config.GetEnv("REDIS_MODE", string(mcredis.ModeSingle))),
		Addrs:    redisAddrs,
		Password: config.GetEnv("REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("REDIS_DB", 0),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))

	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	ringBufferSize := config.GetEnvInt("RING_BUFFER_SIZE", ringbuffer.DefaultSize)
	sseCap := config.GetEnvInt("CONNECTION_CAP_SSE", registry.DefaultCap)
	wsCap := config.GetEnvInt("CONNECTION_CAP_WS", registry.DefaultCap)

	log := eventlog.New(db)
	fab := fabric.New(redisClient)
	ringBuffer := ringbuffer.New(redisClient, ringBufferSize)
	reg := registry.New(redisClient, map[model.Transport]int{
		model.TransportSSE: sseCap,
		model.TransportWS:  wsCap,
	})
	filterStore := filters.New(db)
	access := channels.NewPostgresAccess(db)
	resolver := authctx.New(db, jwtSecret)

	bcast := broadcaster.New(log, fab, ringBuffer, logger, metricsCollector)

	messageStore := messaging.NewStore(db)
	messages := messaging.NewService(messageStore, access, bcast, fab)

	sseEngine := sse.New(ringBuffer, log, fab, reg, filterStore, resolver, logger, sse.Config{})
	wsHub := wsmux.New(messages, access, fab, reg, resolver, nil, logger)

	hubHandlers := hubapi.New(messages, resolver, logger)

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	router.POST("/api/v1/channels/:channel_id/messages", hubHandlers.PostMessage)
	router.GET("/api/v1/orgs/:tenant_slug/events/stream", sseEngine.Handler)
	router.GET("/ws", wsHub.ServeWS)

	// wsHub.Run owns per-tenant fabric subscriber goroutines; group it with
	// the HTTP server under one errgroup so either one exiting brings the
	// other down instead of leaking the multiplexer when the server dies.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		defer cancel()
		return server.Start(server.DefaultConfig(serviceName, "8090"), router, logger)
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Fatal("hub exited with error")
	}
}
