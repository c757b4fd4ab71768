package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is bumped when an event kind's field layout changes
// incompatibly.
const SchemaVersion = 1

var (
	ErrValidation  = errors.New("event validation failed")
	ErrUnknownKind = errors.New("unknown event kind")
)

// Envelope wraps one domain event with delivery metadata. ID, EventType
// and the payload are fixed at construction.
type Envelope struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	ActorID       *uuid.UUID
	Event         Event
	SchemaVersion int
	CreatedAt     time.Time
}

// NewEnvelope validates ev and wraps it. A Validation error means nothing
// may be persisted for this event.
func NewEnvelope(tenantID uuid.UUID, actorID *uuid.UUID, ev Event) (*Envelope, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if actorID != nil && *actorID == uuid.Nil {
		return nil, fmt.Errorf("%w: actor_id must be nil or a valid id", ErrValidation)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: event is required", ErrValidation)
	}
	if !ev.Kind().Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind())
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            uuid.New(),
		TenantID:      tenantID,
		ActorID:       actorID,
		Event:         ev,
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// EventType returns the stable dotted type string of the wrapped event.
func (e *Envelope) EventType() string { return string(e.Event.Kind()) }

// wireEnvelope is the JSON layout stored in the outbox payload column.
type wireEnvelope struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	ActorID       *uuid.UUID      `json:"actor_id,omitempty"`
	Kind          Kind            `json:"kind"`
	Event         json.RawMessage `json:"event"`
	SchemaVersion int             `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.EventType(), err)
	}

	return json.Marshal(wireEnvelope{
		ID:            e.ID,
		TenantID:      e.TenantID,
		ActorID:       e.ActorID,
		Kind:          e.Event.Kind(),
		Event:         payload,
		SchemaVersion: e.SchemaVersion,
		CreatedAt:     e.CreatedAt,
	})
}

// Decode parses a serialized envelope back into its typed form. Errors here
// are permanent: re-reading the same bytes can never succeed.
func Decode(data []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if wire.ID == uuid.Nil {
		return nil, fmt.Errorf("decode envelope: %w: id is required", ErrValidation)
	}

	ev, err := decodeEvent(wire.Kind, wire.Event)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            wire.ID,
		TenantID:      wire.TenantID,
		ActorID:       wire.ActorID,
		Event:         ev,
		SchemaVersion: wire.SchemaVersion,
		CreatedAt:     wire.CreatedAt,
	}, nil
}

func decodeEvent(kind Kind, raw json.RawMessage) (Event, error) {
	var ev Event
	switch kind {
	case KindNodeCreated:
		ev = &NodeCreated{}
	case KindNodeUpdated:
		ev = &NodeUpdated{}
	case KindNodeDeleted:
		ev = &NodeDeleted{}
	case KindProductPublished:
		ev = &ProductPublished{}
	case KindProductArchived:
		ev = &ProductArchived{}
	case KindUserRegistered:
		ev = &UserRegistered{}
	case KindCommentCreated:
		ev = &CommentCreated{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return derefEvent(ev), nil
}

// derefEvent normalizes decoded events to value form so type switches see
// the same concrete types whether an envelope was built or decoded.
func derefEvent(ev Event) Event {
	switch v := ev.(type) {
	case *NodeCreated:
		return *v
	case *NodeUpdated:
		return *v
	case *NodeDeleted:
		return *v
	case *ProductPublished:
		return *v
	case *ProductArchived:
		return *v
	case *UserRegistered:
		return *v
	case *CommentCreated:
		return *v
	default:
		return ev
	}
}
