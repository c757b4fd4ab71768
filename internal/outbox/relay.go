package outbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/loid345/eventrelay/internal/backoff"
	"github.com/loid345/eventrelay/internal/event"
	"github.com/loid345/eventrelay/internal/metrics"
	"github.com/loid345/eventrelay/internal/transport"
)

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LeaseTimeout time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: time.Second,
		MaxAttempts:  5,
		BackoffBase:  2 * time.Second,
		BackoffMax:   5 * time.Minute,
		LeaseTimeout: 2 * time.Minute,
	}
}

func (c *RelayConfig) normalize() {
	def := DefaultRelayConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
}

// Relay drives claimed outbox rows through a transport and resolves each
// one: dispatched, rescheduled with backoff, or dead-lettered. Any number
// of relays may run against the same table; the store's claim is the only
// coordination between them.
type Relay struct {
	store     Store
	transport transport.Transport
	cfg       RelayConfig
	workerID  string
	clock     clockwork.Clock
	log       *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRelay(store Store, tr transport.Transport, cfg RelayConfig, clock clockwork.Clock, log *zap.Logger) *Relay {
	cfg.normalize()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Relay{
		store:     store,
		transport: tr,
		cfg:       cfg,
		workerID:  newWorkerID(),
		clock:     clock,
		log:       log,
		stopChan:  make(chan struct{}),
	}
}

// newWorkerID builds the claimed_by value: host-qualified and unique per
// relay instance so stale leases are attributable.
func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return host + "-" + id.String()
}

// WorkerID returns the lease identifier this relay claims rows under.
func (r *Relay) WorkerID() string { return r.workerID }

// Start launches the poll loop. Returns an error if already running.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay already running")
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	r.log.Info("outbox relay started",
		zap.String("worker_id", r.workerID),
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Int("max_attempts", r.cfg.MaxAttempts),
		zap.String("transport_reliability", string(r.transport.Reliability())))

	return nil
}

// Stop signals the loop and waits for the in-flight pass to finish.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	r.log.Info("outbox relay stopped", zap.String("worker_id", r.workerID))
	return nil
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		default:
		}

		processed, err := r.ProcessPendingOnce(ctx)
		if err != nil {
			r.log.Error("relay pass failed", zap.Error(err))
		}

		// Busy table: claim again immediately. Idle: poll.
		if err == nil && processed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-r.clock.After(r.cfg.PollInterval):
		}
	}
}

// ProcessPendingOnce reclaims expired leases, claims one batch and resolves
// every row in it. Only claim-phase database errors are returned; delivery
// failures are absorbed into row state and metrics.
func (r *Relay) ProcessPendingOnce(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().UTC().Add(-r.cfg.LeaseTimeout)
	if released, err := r.store.ReleaseStuckClaims(ctx, cutoff); err != nil {
		r.log.Warn("failed to release stuck claims", zap.Error(err))
	} else if released > 0 {
		r.log.Warn("released stuck outbox claims",
			zap.Int64("released", released),
			zap.Duration("lease_timeout", r.cfg.LeaseTimeout))
	}

	batch, err := r.store.ClaimBatch(ctx, r.workerID, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	r.log.Debug("claimed outbox batch",
		zap.Int("count", len(batch)),
		zap.String("worker_id", r.workerID))

	for i := range batch {
		if ctx.Err() != nil {
			return i, nil
		}
		r.processClaimed(ctx, &batch[i])
	}

	return len(batch), nil
}

// processClaimed resolves one leased row. Corrupt payloads are terminal
// immediately; transport failures consume one retry attempt.
func (r *Relay) processClaimed(ctx context.Context, rec *Record) {
	env, err := event.Decode(rec.Payload)
	if err != nil {
		r.log.Error("outbox payload is corrupt, dead-lettering",
			zap.String("event_id", rec.ID.String()),
			zap.String("event_type", rec.EventType),
			zap.Error(err))

		if markErr := r.store.MarkCorrupt(ctx, rec.ID, r.workerID, truncateErr(err)); markErr != nil {
			r.log.Error("failed to mark outbox record corrupt",
				zap.String("event_id", rec.ID.String()), zap.Error(markErr))
			return
		}
		metrics.EventsDeadLettered.WithLabelValues("corrupt").Inc()
		return
	}

	start := time.Now()
	deliverErr := r.transport.Publish(ctx, env)
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	if deliverErr == nil {
		if err := r.store.MarkDispatched(ctx, rec.ID, r.workerID); err != nil {
			r.log.Error("event delivered but dispatch state not persisted; row may be redelivered",
				zap.String("event_id", rec.ID.String()), zap.Error(err))
			return
		}
		metrics.EventsDispatched.WithLabelValues(rec.EventType).Inc()
		return
	}

	r.resolveFailure(ctx, rec, deliverErr)
}

func (r *Relay) resolveFailure(ctx context.Context, rec *Record, deliverErr error) {
	retryCount := rec.RetryCount + 1
	terminal := retryCount >= r.cfg.MaxAttempts

	var nextAttempt time.Time
	if !terminal {
		delay := backoff.Delay(r.cfg.BackoffBase, r.cfg.BackoffMax, retryCount)
		nextAttempt = r.clock.Now().UTC().Add(delay)
	}

	if err := r.store.MarkFailedAttempt(ctx, rec.ID, r.workerID, retryCount, truncateErr(deliverErr), terminal, nextAttempt); err != nil {
		r.log.Error("failed to record delivery failure",
			zap.String("event_id", rec.ID.String()), zap.Error(err))
		return
	}

	if terminal {
		metrics.EventsDeadLettered.WithLabelValues("exhausted").Inc()
		r.log.Error("outbox event dead-lettered",
			zap.String("event_id", rec.ID.String()),
			zap.String("event_type", rec.EventType),
			zap.Int("retry_count", retryCount),
			zap.Error(deliverErr))
		return
	}

	metrics.EventRetries.WithLabelValues(rec.EventType).Inc()
	r.log.Warn("delivery failed, rescheduled",
		zap.String("event_id", rec.ID.String()),
		zap.String("event_type", rec.EventType),
		zap.Int("retry_count", retryCount),
		zap.Time("next_attempt_at", nextAttempt),
		zap.Error(deliverErr))
}

const maxStoredErrLen = 2048

// truncateErr bounds what lands in the last_error column.
func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > maxStoredErrLen {
		msg = msg[:maxStoredErrLen]
	}
	return msg
}
