package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loid345/eventrelay/internal/backoff"
	"github.com/loid345/eventrelay/internal/event"
	"github.com/loid345/eventrelay/internal/metrics"
)

const (
	defaultMaxConcurrent = 16
	defaultRetryDelay    = 100 * time.Millisecond
)

type DispatcherConfig struct {
	// FailFast dispatches matching handlers sequentially and stops at the
	// first failure. The default fans out concurrently and isolates
	// failures per handler.
	FailFast      bool
	MaxConcurrent int
	RetryCount    int // extra attempts per handler after the first
	RetryDelay    time.Duration
}

// Dispatcher fans envelopes from a bus subscription out to registered
// handlers. Handler errors never stop the dispatcher.
type Dispatcher struct {
	bus      *Bus
	handlers []Handler
	cfg      DispatcherConfig
	log      *zap.Logger
	sem      chan struct{}
}

func NewDispatcher(bus *Bus, handlers []Handler, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Dispatcher{
		bus:      bus,
		handlers: handlers,
		cfg:      cfg,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run consumes the bus subscription until ctx is cancelled. Handler tasks
// already spawned keep running to completion after cancellation; there is
// no graceful drain.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.bus.Subscribe()
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-sub.C:
			if lag := sub.TakeLag(); lag > 0 {
				d.log.Warn("bus subscriber lagged, envelopes skipped",
					zap.Int64("skipped", lag))
			}
			go d.dispatch(ctx, delivery)
		}
	}
}

// dispatch handles one envelope. The Finish call is deferred so the
// backpressure permit is returned even when a handler panics.
func (d *Dispatcher) dispatch(ctx context.Context, delivery *Delivery) {
	matching := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		if h.Handles(delivery.Env.Event) {
			matching = append(matching, h)
		}
	}

	if len(matching) == 0 {
		delivery.Finish()
		return
	}

	if d.cfg.FailFast {
		defer delivery.Finish()
		d.dispatchSequential(ctx, delivery.Env, matching)
		return
	}

	d.dispatchConcurrent(ctx, delivery, matching)
}

func (d *Dispatcher) dispatchSequential(ctx context.Context, env *event.Envelope, matching []Handler) {
	for i, h := range matching {
		if err := d.handleWithRetry(ctx, h, env); err != nil {
			d.log.Error("fail-fast dispatch aborted",
				zap.String("handler", h.Name()),
				zap.String("event_type", env.EventType()),
				zap.String("event_id", env.ID.String()),
				zap.Int("handlers_skipped", len(matching)-i-1),
				zap.Error(err))
			return
		}
	}
}

// dispatchConcurrent runs every matching handler in its own goroutine,
// bounded by the semaphore. A shared countdown releases the envelope's
// permit when the last handler finishes, success or not.
func (d *Dispatcher) dispatchConcurrent(ctx context.Context, delivery *Delivery, matching []Handler) {
	remaining := int32(len(matching))

	for _, h := range matching {
		go func(h Handler) {
			defer func() {
				if atomic.AddInt32(&remaining, -1) == 0 {
					delivery.Finish()
				}
			}()

			select {
			case d.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-d.sem }()

			if err := d.handleWithRetry(ctx, h, delivery.Env); err != nil {
				d.log.Error("handler failed after retries",
					zap.String("handler", h.Name()),
					zap.String("event_type", delivery.Env.EventType()),
					zap.String("event_id", delivery.Env.ID.String()),
					zap.Error(err))
			}
		}(h)
	}
}

// handleWithRetry attempts h up to RetryCount+1 times with a fixed delay
// between attempts. On final failure it fires OnError and returns the error.
func (d *Dispatcher) handleWithRetry(ctx context.Context, h Handler, env *event.Envelope) error {
	attempts := d.cfg.RetryCount + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, d.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}

		if err := invoke(ctx, h, env); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	metrics.HandlerFailures.WithLabelValues(h.Name()).Inc()
	h.OnError(ctx, env, lastErr)
	return lastErr
}

// invoke shields the dispatcher from handler panics.
func invoke(ctx context.Context, h Handler, env *event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, env)
}
