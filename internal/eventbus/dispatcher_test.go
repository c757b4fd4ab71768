package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loid345/eventrelay/internal/event"
)

// fakeHandler counts invocations and can be told to fail or panic.
type fakeHandler struct {
	name   string
	match  func(event.Event) bool
	failN  int // fail this many leading attempts
	panics bool

	mu       sync.Mutex
	calls    int
	onErrors []error
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Handles(ev event.Event) bool {
	if h.match == nil {
		return true
	}
	return h.match(ev)
}

func (h *fakeHandler) Handle(_ context.Context, _ *event.Envelope) error {
	h.mu.Lock()
	h.calls++
	n := h.calls
	h.mu.Unlock()

	if h.panics {
		panic("boom")
	}
	if n <= h.failN {
		return errors.New("transient failure")
	}
	return nil
}

func (h *fakeHandler) OnError(_ context.Context, _ *event.Envelope, err error) {
	h.mu.Lock()
	h.onErrors = append(h.onErrors, err)
	h.mu.Unlock()
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *fakeHandler) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.onErrors)
}

func startDispatcher(t *testing.T, bus *Bus, handlers []Handler, cfg DispatcherConfig) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(bus, handlers, cfg, nil)
	go d.Run(ctx)
	// give Run a moment to subscribe before the test publishes
	time.Sleep(10 * time.Millisecond)
	return cancel
}

func TestDispatcher_FanOutToAllMatching(t *testing.T) {
	bus := NewBus(BusOptions{})
	a := &fakeHandler{name: "a"}
	b := &fakeHandler{name: "b"}
	cancel := startDispatcher(t, bus, []Handler{a, b}, DispatcherConfig{})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope(t)))

	require.Eventually(t, func() bool {
		return a.callCount() == 1 && b.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return bus.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.errorCount())
	assert.Equal(t, 0, b.errorCount())
}

func TestDispatcher_NonMatchingSkipped(t *testing.T) {
	bus := NewBus(BusOptions{})
	h := &fakeHandler{
		name:  "products-only",
		match: func(ev event.Event) bool { _, ok := ev.(event.ProductPublished); return ok },
	}
	cancel := startDispatcher(t, bus, []Handler{h}, DispatcherConfig{})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope(t)))

	require.Eventually(t, func() bool { return bus.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.callCount())
}

func TestDispatcher_RetryThenSucceed(t *testing.T) {
	bus := NewBus(BusOptions{})
	h := &fakeHandler{name: "flaky", failN: 1}
	cancel := startDispatcher(t, bus, []Handler{h}, DispatcherConfig{
		RetryCount: 2,
		RetryDelay: time.Millisecond,
	})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope(t)))

	require.Eventually(t, func() bool { return h.callCount() == 2 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.errorCount(), "OnError must not fire when a retry succeeds")
}

func TestDispatcher_RetryExhausted(t *testing.T) {
	bus := NewBus(BusOptions{})
	h := &fakeHandler{name: "broken", failN: 100}
	cancel := startDispatcher(t, bus, []Handler{h}, DispatcherConfig{
		RetryCount: 1,
		RetryDelay: time.Millisecond,
	})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope(t)))

	require.Eventually(t, func() bool { return h.errorCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.callCount(), "one initial attempt plus one retry")
	require.Eventually(t, func() bool { return bus.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestDispatcher_FailFastShortCircuits(t *testing.T) {
	bus := NewBus(BusOptions{})
	first := &fakeHandler{name: "first", failN: 100}
	second := &fakeHandler{name: "second"}
	cancel := startDispatcher(t, bus, []Handler{first, second}, DispatcherConfig{
		FailFast:   true,
		RetryCount: 0,
		RetryDelay: time.Millisecond,
	})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope(t)))

	require.Eventually(t, func() bool { return first.errorCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, second.callCount(), "handlers after the failure must be skipped")
}

func TestDispatcher_FailFastRunsAllOnSuccess(t *testing.T) {
	bus := NewBus(BusOptions{})
	first := &fakeHandler{name: "first"}
	second := &fakeHandler{name: "second"}
	cancel := startDispatcher(t, bus, []Handler{first, second}, DispatcherConfig{FailFast: true})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope(t)))

	require.Eventually(t, func() bool {
		return first.callCount() == 1 && second.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	bus := NewBus(BusOptions{})
	h := &fakeHandler{name: "panicky", panics: true}
	cancel := startDispatcher(t, bus, []Handler{h}, DispatcherConfig{
		RetryCount: 0,
	})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope(t)))

	require.Eventually(t, func() bool { return h.errorCount() == 1 },
		time.Second, 5*time.Millisecond)
	h.mu.Lock()
	err := h.onErrors[0]
	h.mu.Unlock()
	assert.ErrorContains(t, err, "panicked")

	require.Eventually(t, func() bool { return bus.InFlight() == 0 },
		time.Second, 5*time.Millisecond)
}
