package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("outbox record not found")
	// ErrTerminalState is returned for mutations of dispatched or failed
	// rows: those states are final.
	ErrTerminalState = errors.New("outbox record is in a terminal state")
	// ErrNotClaimed is returned when a resolution arrives for a row this
	// worker does not hold a lease on.
	ErrNotClaimed = errors.New("outbox record is not claimed by this worker")
)

// Stats is a per-status row count snapshot for the ops surface.
type Stats struct {
	Pending    int64 `db:"pending" json:"pending"`
	Dispatched int64 `db:"dispatched" json:"dispatched"`
	Failed     int64 `db:"failed" json:"failed"`
}

// Store persists outbox records. Implementations must make ClaimBatch safe
// against concurrent workers: no two workers may ever hold the same row.
type Store interface {
	// Insert writes a single pending record. If tx is nil it opens and
	// commits an internal transaction; otherwise the row shares the
	// caller's transaction and becomes visible only on its commit.
	Insert(ctx context.Context, tx *sqlx.Tx, rec *Record) error

	// ClaimBatch atomically leases up to limit eligible pending rows
	// (unclaimed, next_attempt_at null or due) for workerID, oldest first,
	// and returns them.
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]Record, error)

	// MarkDispatched resolves a claimed row as delivered: terminal, claim
	// and retry bookkeeping cleared, dispatched_at set.
	MarkDispatched(ctx context.Context, id uuid.UUID, workerID string) error

	// MarkFailedAttempt records one failed delivery attempt. retryCount is
	// the new total. Terminal moves the row to failed (dead letter) with a
	// null next attempt; otherwise the row returns to the unclaimed pool
	// scheduled at nextAttemptAt.
	MarkFailedAttempt(ctx context.Context, id uuid.UUID, workerID string, retryCount int, errMsg string, terminal bool, nextAttemptAt time.Time) error

	// MarkCorrupt dead-letters a claimed row whose payload cannot be
	// decoded. The retry budget is untouched: retrying cannot fix it.
	MarkCorrupt(ctx context.Context, id uuid.UUID, workerID string, errMsg string) error

	// ReleaseStuckClaims clears leases taken before cutoff so rows held by
	// dead workers become claimable again. Returns the number released.
	ReleaseStuckClaims(ctx context.Context, cutoff time.Time) (int64, error)

	// Get fetches one record by id.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// Stats counts rows per status.
	Stats(ctx context.Context) (Stats, error)

	// ListFailed pages through the dead-letter set, newest first.
	ListFailed(ctx context.Context, limit, offset int) ([]Record, error)
}
