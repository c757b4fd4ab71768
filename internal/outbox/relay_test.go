package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loid345/eventrelay/internal/event"
	"github.com/loid345/eventrelay/internal/transport"
)

// fakeTransport records deliveries and can be told to fail per envelope.
type fakeTransport struct {
	mu        sync.Mutex
	published []uuid.UUID
	failLeft  map[uuid.UUID]int // fail this many deliveries of the given id
	failAll   bool
}

func (t *fakeTransport) Publish(_ context.Context, env *event.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failAll {
		return errors.New("sink unavailable")
	}
	if left, ok := t.failLeft[env.ID]; ok && left > 0 {
		t.failLeft[env.ID] = left - 1
		return errors.New("sink unavailable")
	}
	t.published = append(t.published, env.ID)
	return nil
}

func (t *fakeTransport) Reliability() transport.Reliability {
	return transport.ReliabilityBestEffort
}

func (t *fakeTransport) deliveries() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uuid.UUID(nil), t.published...)
}

func newTestRelay(store Store, tr transport.Transport, cfg RelayConfig, clock clockwork.Clock) *Relay {
	return NewRelay(store, tr, cfg, clock, nil)
}

func TestRelay_DeliversPendingFIFO(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	tr := &fakeTransport{}
	relay := newTestRelay(store, tr, RelayConfig{}, clock)
	ctx := context.Background()

	base := clock.Now().UTC()
	first := insertPending(t, store, base)
	second := insertPending(t, store, base.Add(time.Second))

	processed, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, tr.deliveries())

	for _, rec := range []*Record{first, second} {
		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDispatched, got.Status)
		assert.NotNil(t, got.DispatchedAt)
		assert.Nil(t, got.ClaimedBy)
	}

	// nothing left to claim
	processed, err = relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestRelay_FailOnceThenSucceed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	cfg := RelayConfig{MaxAttempts: 5, BackoffBase: 2 * time.Second, BackoffMax: time.Minute}
	ctx := context.Background()

	rec := insertPending(t, store, clock.Now().UTC())
	tr := &fakeTransport{failLeft: map[uuid.UUID]int{rec.ID: 1}}
	relay := newTestRelay(store, tr, cfg, clock)

	_, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.Equal(clock.Now().UTC().Add(2*time.Second)),
		"first retry is scheduled one base delay out")

	// before the schedule the row is not claimable
	processed, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	clock.Advance(3 * time.Second)
	processed, err = relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err = store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, got.Status)
	assert.Equal(t, 1, got.RetryCount, "retry count records how many deliveries failed")
}

func TestRelay_ExhaustsRetryBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	cfg := RelayConfig{MaxAttempts: 2, BackoffBase: time.Second, BackoffMax: time.Minute}
	tr := &fakeTransport{failAll: true}
	relay := newTestRelay(store, tr, cfg, clock)
	ctx := context.Background()

	rec := insertPending(t, store, clock.Now().UTC())

	_, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.NextAttemptAt)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "sink unavailable")

	// dead-lettered rows are never picked up again
	clock.Advance(time.Hour)
	processed, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestRelay_CorruptPayloadDeadLettersImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	tr := &fakeTransport{}
	relay := newTestRelay(store, tr, RelayConfig{MaxAttempts: 5}, clock)
	ctx := context.Background()

	rec := insertPending(t, store, clock.Now().UTC())
	rec.Payload = []byte(`{"kind":"not a real kind"`)
	require.NoError(t, store.Insert(ctx, nil, rec))

	_, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "corrupt rows skip the retry budget")
	require.NotNil(t, got.LastError)
	assert.Empty(t, tr.deliveries(), "corrupt rows never reach the transport")
}

func TestRelay_ReclaimsStuckLease(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	tr := &fakeTransport{}
	cfg := RelayConfig{LeaseTimeout: 2 * time.Minute}
	relay := newTestRelay(store, tr, cfg, clock)
	ctx := context.Background()

	rec := insertPending(t, store, clock.Now().UTC())

	// another worker claimed the row and then died
	claimed, err := store.ClaimBatch(ctx, "crashed-worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// lease still fresh: the relay leaves it alone
	processed, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	clock.Advance(5 * time.Minute)
	processed, err = relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, got.Status)
}

func TestRelay_ContextCancelStopsBatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	tr := &fakeTransport{}
	relay := newTestRelay(store, tr, RelayConfig{}, clock)

	base := clock.Now().UTC()
	insertPending(t, store, base)
	insertPending(t, store, base.Add(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	processed, err := relay.ProcessPendingOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Empty(t, tr.deliveries())
}

func TestRelay_StartStop(t *testing.T) {
	store := NewMemoryStore(nil)
	relay := newTestRelay(store, &fakeTransport{}, RelayConfig{PollInterval: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, relay.Start(ctx))
	assert.Error(t, relay.Start(ctx), "second start must be rejected")

	require.NoError(t, relay.Stop())
	assert.Error(t, relay.Stop(), "second stop must be rejected")
}

func TestRelay_WorkerIDStable(t *testing.T) {
	a := newTestRelay(NewMemoryStore(nil), &fakeTransport{}, RelayConfig{}, nil)
	b := newTestRelay(NewMemoryStore(nil), &fakeTransport{}, RelayConfig{}, nil)

	assert.NotEmpty(t, a.WorkerID())
	assert.Equal(t, a.WorkerID(), a.WorkerID())
	assert.NotEqual(t, a.WorkerID(), b.WorkerID())
}
