// Command mc-bridge runs one comms-bridge process (component H) for a
// single tenant configuration: it tails the hub's SSE event stream and
// relays chat between a channel and an external agent runtime.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"mission-control/internal/bridge"
	"mission-control/pkg/config"
	"mission-control/pkg/logging"
)

func main() {
	logger := logging.NewLoggerWithService("mc-bridge")
	config.LoadEnv(logger)

	configPath := os.Getenv("BRIDGE_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if configPath == "" {
		logger.Fatal("usage: mc-bridge <config.yaml> (or set BRIDGE_CONFIG)")
	}

	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load bridge config")
	}

	b, err := bridge.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize bridge")
	}

	logger.WithField("org_slug", cfg.OrgSlug).Info("Starting Mission Control comms bridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		logger.WithError(err).Fatal("bridge exited with error")
	}

	logger.Info("Bridge stopped")
}
