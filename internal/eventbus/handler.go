package eventbus

import (
	"context"

	"github.com/loid345/eventrelay/internal/event"
)

// Handler consumes envelopes delivered through the in-process dispatcher.
type Handler interface {
	Name() string
	// Handles filters by payload; envelopes with no interested handler are
	// released without dispatch.
	Handles(ev event.Event) bool
	Handle(ctx context.Context, env *event.Envelope) error
	// OnError is called once per envelope after the handler's retry budget
	// is exhausted. Observability only; the error is already final.
	OnError(ctx context.Context, env *event.Envelope, err error)
}
