// Package transport abstracts the sinks the relay delivers envelopes to.
package transport

import (
	"context"

	"github.com/loid345/eventrelay/internal/event"
)

// Reliability tells callers what a transport promises once Publish returns
// nil.
type Reliability string

const (
	// ReliabilityOutbox: the sink durably accepted the envelope; combined
	// with the outbox this gives at-least-once delivery.
	ReliabilityOutbox Reliability = "outbox"
	// ReliabilityBestEffort: fire-and-forget, may drop under pressure.
	ReliabilityBestEffort Reliability = "best_effort"
)

// Transport delivers one envelope to a downstream sink.
type Transport interface {
	Publish(ctx context.Context, env *event.Envelope) error
	Reliability() Reliability
}
