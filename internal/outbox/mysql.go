package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
)

// MySQLStore is the sqlx-backed outbox store. Mutual exclusion between
// relay workers is done entirely through row locks and the claimed_by
// guard; no in-memory state is shared.
type MySQLStore struct {
	db    *sqlx.DB
	clock clockwork.Clock
}

func NewMySQLStore(db *sqlx.DB, clock clockwork.Clock) *MySQLStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MySQLStore{db: db, clock: clock}
}

const outboxColumns = `id, event_type, schema_version, payload, status, retry_count,
	next_attempt_at, last_error, claimed_by, claimed_at, created_at, dispatched_at`

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (s *MySQLStore) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (s *MySQLStore) Insert(ctx context.Context, tx *sqlx.Tx, rec *Record) error {
	const q = `
		INSERT INTO outbox_events
			(id, event_type, schema_version, payload, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	return s.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.ID, rec.EventType, rec.SchemaVersion, rec.Payload,
			rec.Status, rec.RetryCount, rec.CreatedAt)
		return err
	})
}

// ClaimBatch leases rows inside one transaction: the eligible set is locked
// with SKIP LOCKED so concurrent workers pass each other by, then exactly
// those ids are stamped with this worker's lease. The claimed_by IS NULL
// guard in the update is redundant under the row locks but kept so a claim
// can never widen beyond what was selected.
func (s *MySQLStore) ClaimBatch(ctx context.Context, workerID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim batch begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQ = `
		SELECT id FROM outbox_events
		WHERE status = 'pending'
		  AND claimed_by IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	var ids []uuid.UUID
	if err := tx.SelectContext(ctx, &ids, selectQ, now, limit); err != nil {
		return nil, fmt.Errorf("claim batch select: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	updateQ, args, err := sqlx.In(`
		UPDATE outbox_events
		SET claimed_by = ?, claimed_at = ?
		WHERE id IN (?) AND claimed_by IS NULL
	`, workerID, now, ids)
	if err != nil {
		return nil, fmt.Errorf("claim batch build update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQ, args...); err != nil {
		return nil, fmt.Errorf("claim batch update: %w", err)
	}

	selectClaimedQ, args, err := sqlx.In(`
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE id IN (?) AND claimed_by = ?
		ORDER BY created_at ASC
	`, ids, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim batch build reselect: %w", err)
	}

	var claimed []Record
	if err := tx.SelectContext(ctx, &claimed, selectClaimedQ, args...); err != nil {
		return nil, fmt.Errorf("claim batch reselect: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim batch commit: %w", err)
	}
	return claimed, nil
}

func (s *MySQLStore) MarkDispatched(ctx context.Context, id uuid.UUID, workerID string) error {
	const q = `
		UPDATE outbox_events
		SET status = 'dispatched', dispatched_at = ?,
			claimed_by = NULL, claimed_at = NULL,
			last_error = NULL, next_attempt_at = NULL
		WHERE id = ? AND status = 'pending' AND claimed_by = ?
	`
	res, err := s.db.ExecContext(ctx, q, s.clock.Now().UTC(), id, workerID)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *MySQLStore) MarkFailedAttempt(ctx context.Context, id uuid.UUID, workerID string, retryCount int, errMsg string, terminal bool, nextAttemptAt time.Time) error {
	var (
		res sql.Result
		err error
	)

	if terminal {
		const q = `
			UPDATE outbox_events
			SET status = 'failed', retry_count = ?, last_error = ?,
				claimed_by = NULL, claimed_at = NULL, next_attempt_at = NULL
			WHERE id = ? AND status = 'pending' AND claimed_by = ?
		`
		res, err = s.db.ExecContext(ctx, q, retryCount, errMsg, id, workerID)
	} else {
		const q = `
			UPDATE outbox_events
			SET retry_count = ?, last_error = ?,
				claimed_by = NULL, claimed_at = NULL, next_attempt_at = ?
			WHERE id = ? AND status = 'pending' AND claimed_by = ?
		`
		res, err = s.db.ExecContext(ctx, q, retryCount, errMsg, nextAttemptAt.UTC(), id, workerID)
	}
	if err != nil {
		return fmt.Errorf("mark failed attempt: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *MySQLStore) MarkCorrupt(ctx context.Context, id uuid.UUID, workerID string, errMsg string) error {
	const q = `
		UPDATE outbox_events
		SET status = 'failed', last_error = ?,
			claimed_by = NULL, claimed_at = NULL, next_attempt_at = NULL
		WHERE id = ? AND status = 'pending' AND claimed_by = ?
	`
	res, err := s.db.ExecContext(ctx, q, errMsg, id, workerID)
	if err != nil {
		return fmt.Errorf("mark corrupt: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *MySQLStore) ReleaseStuckClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		UPDATE outbox_events
		SET claimed_by = NULL, claimed_at = NULL
		WHERE status = 'pending' AND claimed_by IS NOT NULL AND claimed_at < ?
	`
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stuck claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *MySQLStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	const q = `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = ?`

	var rec Record
	if err := s.db.GetContext(ctx, &rec, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outbox record: %w", err)
	}
	return &rec, nil
}

func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const q = `
		SELECT
			COALESCE(SUM(status = 'pending'), 0)    AS pending,
			COALESCE(SUM(status = 'dispatched'), 0) AS dispatched,
			COALESCE(SUM(status = 'failed'), 0)     AS failed
		FROM outbox_events
	`
	var st Stats
	if err := s.db.GetContext(ctx, &st, q); err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return st, nil
}

func (s *MySQLStore) ListFailed(ctx context.Context, limit, offset int) ([]Record, error) {
	const q = `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`
	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, q, limit, offset); err != nil {
		return nil, fmt.Errorf("list failed records: %w", err)
	}
	return recs, nil
}

// checkAffected distinguishes why a guarded update touched no rows: the
// record may be missing, already terminal, or claimed by someone else.
func (s *MySQLStore) checkAffected(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return ErrTerminalState
	}
	return ErrNotClaimed
}
