package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/loid345/eventrelay/internal/event"
	"github.com/loid345/eventrelay/internal/metrics"
)

// Publisher is the outbox write path: it turns a domain event into a
// pending row inside the caller's transaction, so the event exists exactly
// when the business write commits.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// PublishInTx validates ev, wraps it in an envelope and stages it on tx.
// If tx later rolls back, no trace of the event remains.
func (p *Publisher) PublishInTx(ctx context.Context, tx *sqlx.Tx, tenantID uuid.UUID, actorID *uuid.UUID, ev event.Event) (*event.Envelope, error) {
	if tx == nil {
		return nil, fmt.Errorf("publish in tx: transaction is required")
	}
	return p.publish(ctx, tx, tenantID, actorID, ev)
}

// Publish stages an event in its own single-statement transaction, for
// call sites with no surrounding business write. Durable once it returns
// nil.
func (p *Publisher) Publish(ctx context.Context, tenantID uuid.UUID, actorID *uuid.UUID, ev event.Event) (*event.Envelope, error) {
	return p.publish(ctx, nil, tenantID, actorID, ev)
}

func (p *Publisher) publish(ctx context.Context, tx *sqlx.Tx, tenantID uuid.UUID, actorID *uuid.UUID, ev event.Event) (*event.Envelope, error) {
	env, err := event.NewEnvelope(tenantID, actorID, ev)
	if err != nil {
		return nil, err
	}

	rec, err := NewRecord(env)
	if err != nil {
		return nil, err
	}

	if err := p.store.Insert(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("stage outbox event %s: %w", env.EventType(), err)
	}

	metrics.EventsPublished.WithLabelValues(env.EventType()).Inc()
	return env, nil
}
