package broker

import (
	"context"
	"time"

	"github.com/basket/puter-bridge/internal/bus"
	"github.com/basket/puter-bridge/internal/engine"
	otelPkg "github.com/basket/puter-bridge/internal/otel"
	"github.com/basket/puter-bridge/internal/shared"
)

// Observer forwards engine events to metrics and the event bus. Either sink
// may be nil.
type Observer struct {
	bus     *bus.Bus
	metrics *otelPkg.Metrics
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver builds the observer handed to the fallback engine and the
// account rotator.
func NewObserver(b *bus.Bus, m *otelPkg.Metrics) *Observer {
	return &Observer{bus: b, metrics: m}
}

func (o *Observer) AttemptFinished(scope string, a engine.Attempt) {
	o.metrics.RecordAttempt(context.Background(), scope, a)
}

func (o *Observer) CooldownAdded(scope, id, reason string, d time.Duration) {
	o.metrics.RecordCooldown(context.Background(), scope, id, d)
	if o.bus != nil {
		o.bus.Publish(bus.TopicCooldownAdded, bus.CooldownEvent{
			Scope:    scope,
			ID:       id,
			Reason:   shared.Redact(reason),
			Duration: d,
		})
	}
}

func (o *Observer) AccountRotated(from, to string) {
	o.metrics.RecordRotation(context.Background(), from, to)
	if o.bus != nil {
		o.bus.Publish(bus.TopicAccountRotated, bus.RotationEvent{From: from, To: to})
	}
}
