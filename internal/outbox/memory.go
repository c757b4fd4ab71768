package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store used by tests and by single-binary
// development setups. It enforces the same state machine as the MySQL
// store; the tx argument to Insert is ignored because there is no
// underlying database transaction to join.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*Record
	clock clockwork.Clock
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{rows: make(map[uuid.UUID]*Record), clock: clock}
}

func (s *MemoryStore) Insert(_ context.Context, _ *sqlx.Tx, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.rows[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, workerID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()

	eligible := make([]*Record, 0, limit)
	for _, rec := range s.rows {
		if rec.Status != StatusPending || rec.ClaimedBy != nil {
			continue
		}
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, rec)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]Record, 0, len(eligible))
	for _, rec := range eligible {
		workerCopy := workerID
		nowCopy := now
		rec.ClaimedBy = &workerCopy
		rec.ClaimedAt = &nowCopy
		claimed = append(claimed, *rec)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkDispatched(_ context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimedRow(id, workerID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	rec.Status = StatusDispatched
	rec.DispatchedAt = &now
	rec.ClaimedBy = nil
	rec.ClaimedAt = nil
	rec.LastError = nil
	rec.NextAttemptAt = nil
	return nil
}

func (s *MemoryStore) MarkFailedAttempt(_ context.Context, id uuid.UUID, workerID string, retryCount int, errMsg string, terminal bool, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimedRow(id, workerID)
	if err != nil {
		return err
	}

	rec.RetryCount = retryCount
	rec.LastError = &errMsg
	rec.ClaimedBy = nil
	rec.ClaimedAt = nil

	if terminal {
		rec.Status = StatusFailed
		rec.NextAttemptAt = nil
	} else {
		next := nextAttemptAt.UTC()
		rec.NextAttemptAt = &next
	}
	return nil
}

func (s *MemoryStore) MarkCorrupt(_ context.Context, id uuid.UUID, workerID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.claimedRow(id, workerID)
	if err != nil {
		return err
	}

	rec.Status = StatusFailed
	rec.LastError = &errMsg
	rec.ClaimedBy = nil
	rec.ClaimedAt = nil
	rec.NextAttemptAt = nil
	return nil
}

func (s *MemoryStore) ReleaseStuckClaims(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for _, rec := range s.rows {
		if rec.Status == StatusPending && rec.ClaimedAt != nil && rec.ClaimedAt.Before(cutoff) {
			rec.ClaimedBy = nil
			rec.ClaimedAt = nil
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, rec := range s.rows {
		switch rec.Status {
		case StatusPending:
			st.Pending++
		case StatusDispatched:
			st.Dispatched++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit, offset int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := make([]Record, 0)
	for _, rec := range s.rows {
		if rec.Status == StatusFailed {
			failed = append(failed, *rec)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.After(failed[j].CreatedAt)
	})

	if offset >= len(failed) {
		return nil, nil
	}
	failed = failed[offset:]
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (s *MemoryStore) claimedRow(id uuid.UUID, workerID string) (*Record, error) {
	rec, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil, ErrTerminalState
	}
	if rec.ClaimedBy == nil || *rec.ClaimedBy != workerID {
		return nil, ErrNotClaimed
	}
	return rec, nil
}
