package bridge

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"mission-control/pkg/monitoring"
)

// Metrics wraps the shared monitoring collector with the counters and
// gauges this bridge process needs.
type Metrics struct {
	collector *monitoring.MetricsCollector

	messagesInbound       *prometheus.CounterVec
	messagesOutbound      *prometheus.CounterVec
	messagesOutboundError *prometheus.CounterVec
	commandsRouted        *prometheus.CounterVec
	sseConnectionsActive  *prometheus.GaugeVec
}

// NewMetrics builds the bridge's metrics collector and registers its
// custom series.
func NewMetrics(orgSlug, version, commit string) *Metrics {
	collector := monitoring.NewMetricsCollector("mission_control_bridge", version, commit)

	return &Metrics{
		collector:             collector,
		messagesInbound:       collector.NewCounter("messages_inbound_total", "Chat messages received from the hub stream", []string{"org_slug"}),
		messagesOutbound:      collector.NewCounter("messages_outbound_total", "Replies posted back to the hub", []string{"org_slug"}),
		messagesOutboundError: collector.NewCounter("messages_outbound_errors_total", "Replies that failed to post to the hub", []string{"org_slug"}),
		commandsRouted:        collector.NewCounter("commands_routed_total", "Slash commands routed to the runtime or handled locally", []string{"org_slug", "command"}),
		sseConnectionsActive:  collector.NewGauge("sse_connections_active", "Whether the bridge's hub event stream loop is running (0 or 1); reconnect attempts do not change it", []string{"org_slug"}),
	}
}

func (m *Metrics) InboundMessage(orgSlug string)        { m.messagesInbound.WithLabelValues(orgSlug).Inc() }
func (m *Metrics) OutboundMessage(orgSlug string)       { m.messagesOutbound.WithLabelValues(orgSlug).Inc() }
func (m *Metrics) OutboundError(orgSlug string)         { m.messagesOutboundError.WithLabelValues(orgSlug).Inc() }
func (m *Metrics) CommandRouted(orgSlug, command string) { m.commandsRouted.WithLabelValues(orgSlug, command).Inc() }

func (m *Metrics) SetStreamConnected(orgSlug string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.sseConnectionsActive.WithLabelValues(orgSlug).Set(value)
}

// Handler exposes the /metrics endpoint.
func (m *Metrics) Handler() gin.HandlerFunc { return m.collector.Handler() }
