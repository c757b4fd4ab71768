// Package outbox implements the durable staging area between committed
// business writes and eventual delivery: the write path enqueues envelopes
// inside the caller's transaction, the relay claims and delivers them.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loid345/eventrelay/internal/event"
)

// Status is the lifecycle state of an outbox row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusDispatched || s == StatusFailed
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDispatched || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal transition.
// Pending may be rescheduled (pending -> pending) or resolved; dispatched
// and failed are final.
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusPending {
		return false
	}
	return next.Valid()
}

// Record is one row of the outbox table. A record is created pending by the
// transactional publisher and mutated only by the relay afterwards.
type Record struct {
	ID            uuid.UUID  `db:"id"`
	EventType     string     `db:"event_type"`
	SchemaVersion int        `db:"schema_version"`
	Payload       []byte     `db:"payload"`
	Status        Status     `db:"status"`
	RetryCount    int        `db:"retry_count"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LastError     *string    `db:"last_error"`
	ClaimedBy     *string    `db:"claimed_by"`
	ClaimedAt     *time.Time `db:"claimed_at"`
	CreatedAt     time.Time  `db:"created_at"`
	DispatchedAt  *time.Time `db:"dispatched_at"`
}

// NewRecord serializes env into a pending outbox row sharing its ID.
func NewRecord(env *event.Envelope) (*Record, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serialize envelope %s: %w", env.ID, err)
	}

	return &Record{
		ID:            env.ID,
		EventType:     env.EventType(),
		SchemaVersion: env.SchemaVersion,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		CreatedAt:     env.CreatedAt,
	}, nil
}

// Claimed reports whether the record currently holds a worker lease.
func (r *Record) Claimed() bool { return r.ClaimedBy != nil }
