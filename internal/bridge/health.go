package bridge

import (
	"context"

	"mission-control/pkg/monitoring"
)

// newHealthChecker wires the shared health checker with the two
// dependencies a bridge process actually has: the hub's event stream and
// the agent runtime it relays to.
func newHealthChecker(version string, streamConnected func() bool, runtimeHealthy func(context.Context) bool) *monitoring.HealthChecker {
	hc := monitoring.NewHealthChecker("mission-control-bridge", version)

	hc.AddCheck("hub_stream", func() monitoring.CheckResult {
		if streamConnected() {
			return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "connected"}
		}
		return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: "reconnecting"}
	})

	hc.AddCheck("runtime", func() monitoring.CheckResult {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		if runtimeHealthy(ctx) {
			return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "reachable"}
		}
		return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "unreachable"}
	})

	return hc
}
