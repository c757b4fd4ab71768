package transport

import (
	"context"

	"github.com/loid345/eventrelay/internal/event"
	"github.com/loid345/eventrelay/internal/eventbus"
)

// BusTransport bridges the relay onto the in-process bus: a claimed outbox
// row is re-published into the same dispatcher path as synchronous events.
// Publish returns once the bus accepted the envelope, not once handlers
// ran, so handler failures do not consume the row's retry budget.
type BusTransport struct {
	bus *eventbus.Bus
}

func NewBusTransport(bus *eventbus.Bus) *BusTransport {
	return &BusTransport{bus: bus}
}

func (t *BusTransport) Publish(ctx context.Context, env *event.Envelope) error {
	return t.bus.Publish(ctx, env)
}

func (t *BusTransport) Reliability() Reliability { return ReliabilityBestEffort }
