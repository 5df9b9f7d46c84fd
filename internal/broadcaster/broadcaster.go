// Package broadcaster implements the single event ingress (component D):
// every event entering the system, from any origin, goes through
// Broadcaster.Broadcast, which enforces the persist-before-publish
// ordering invariant and fans the result out to the ring buffer and the
// pub/sub fabric.
package broadcaster

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"mission-control/internal/fabric"
	"mission-control/internal/model"
	"mission-control/internal/ringbuffer"
	"mission-control/pkg/monitoring"
)

// EventLog is the durable append step a Broadcaster depends on. Modeled as
// an interface so tests can substitute a fake without a database.
type EventLog interface {
	Append(ctx context.Context, tenantID, eventType, actorID string, actorKind model.ActorKind, payload model.Payload) (model.Event, error)
}

// Fabric is the publish step a Broadcaster depends on.
type Fabric interface {
	PublishEvent(ctx context.Context, e model.Event) error
}

// RingBuffer is the cache step a Broadcaster depends on.
type RingBuffer interface {
	Push(ctx context.Context, e model.Event) error
}

// Broadcaster is the only writer path into the durable log: nothing else
// in this core calls EventLog.Append directly.
type Broadcaster struct {
	log    EventLog
	fabric Fabric
	buffer RingBuffer
	logger *logrus.Logger

	messages    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	subscribers *prometheus.GaugeVec
}

// New wires a Broadcaster. metrics may be nil, in which case fabric
// metrics are not recorded (used in tests).
func New(log EventLog, fb Fabric, buf RingBuffer, logger *logrus.Logger, metrics *monitoring.MetricsCollector) *Broadcaster {
	b := &Broadcaster{log: log, fabric: fb, buffer: buf, logger: logger}
	if metrics != nil {
		b.messages, b.duration, b.subscribers = metrics.CreateFabricMetrics()
	}
	return b
}

// Broadcast appends the event to the durable log, then best-effort pushes
// it to the ring buffer and publishes it on the fabric. A log append
// failure is fatal to the call: the caller must treat the event as never
// having happened. A ring-buffer or fabric failure is logged but does not
// fail the call, since the event is already durable and recoverable via
// replay from the log.
func (b *Broadcaster) Broadcast(ctx context.Context, tenantID, eventType, actorID string, actorKind model.ActorKind, payload model.Payload) (model.Event, error) {
	timer := b.startTimer("append")
	event, err := b.log.Append(ctx, tenantID, eventType, actorID, actorKind, payload)
	timer()
	if err != nil {
		b.countMessage(eventType, "append", "error")
		return model.Event{}, err
	}
	b.countMessage(eventType, "append", "ok")

	if err := b.buffer.Push(ctx, event); err != nil {
		b.countMessage(eventType, "buffer", "error")
		b.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":   tenantID,
			"event_type":  eventType,
			"sequence_id": event.SequenceID,
		}).Warn("ring buffer push failed, event remains durable")
	} else {
		b.countMessage(eventType, "buffer", "ok")
	}

	timer = b.startTimer("publish")
	err = b.fabric.PublishEvent(ctx, event)
	timer()
	if err != nil {
		b.countMessage(eventType, "publish", "error")
		b.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":   tenantID,
			"event_type":  eventType,
			"sequence_id": event.SequenceID,
		}).Warn("fabric publish failed, subscribers must rely on replay")
	} else {
		b.countMessage(eventType, "publish", "ok")
	}

	return event, nil
}

func (b *Broadcaster) countMessage(eventType, operation, status string) {
	if b.messages == nil {
		return
	}
	b.messages.WithLabelValues(eventType, operation, status).Inc()
}

func (b *Broadcaster) startTimer(operation string) func() {
	if b.duration == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(b.duration.WithLabelValues(operation))
	return func() { timer.ObserveDuration() }
}
