// Package eventbus provides in-process publish/subscribe with best-effort,
// at-most-once delivery. Durable delivery goes through the outbox instead.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/loid345/eventrelay/internal/event"
	"github.com/loid345/eventrelay/internal/metrics"
)

const (
	defaultMaxQueueDepth   = 256
	defaultSubscriberDepth = 64
)

// Delivery is one envelope in flight on the bus. Every subscriber that
// received it must call Finish exactly once; the publisher's backpressure
// permit is returned when the last one does.
type Delivery struct {
	Env *event.Envelope

	remaining int32
	release   func()
}

// Finish marks this subscriber's processing of the envelope as complete.
// Safe to call from concurrent handler completions; the underlying permit
// is released exactly once.
func (d *Delivery) Finish() {
	if atomic.AddInt32(&d.remaining, -1) == 0 {
		d.release()
	}
}

// Subscription is a bus receiver with a bounded buffer. A subscriber that
// falls behind loses the oldest unread envelopes; the number lost is
// surfaced through TakeLag, not as an error.
type Subscription struct {
	C chan *Delivery

	lagged atomic.Int64
	closed atomic.Bool
}

// TakeLag returns and resets the count of envelopes dropped because this
// subscriber's buffer was full.
func (s *Subscription) TakeLag() int64 {
	return s.lagged.Swap(0)
}

// Bus is a process-wide broadcast channel with a backpressure gate bounding
// the number of in-flight envelopes.
type Bus struct {
	gate chan struct{}

	mu       sync.RWMutex
	subs     []*Subscription
	subDepth int
}

type BusOptions struct {
	MaxQueueDepth   int // in-flight envelope bound; Publish blocks at the limit
	SubscriberDepth int // per-subscriber buffer size
}

func NewBus(opts BusOptions) *Bus {
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = defaultMaxQueueDepth
	}
	if opts.SubscriberDepth <= 0 {
		opts.SubscriberDepth = defaultSubscriberDepth
	}

	return &Bus{
		gate:     make(chan struct{}, opts.MaxQueueDepth),
		subDepth: opts.SubscriberDepth,
	}
}

// Subscribe registers a new receiver. Envelopes published before Subscribe
// are not replayed.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan *Delivery, b.subDepth)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes sub and drains anything still buffered so pending
// permits are returned.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	for {
		select {
		case d := <-sub.C:
			d.Finish()
		default:
			return
		}
	}
}

// InFlight reports the number of envelopes currently holding a permit.
func (b *Bus) InFlight() int { return len(b.gate) }

// Publish broadcasts env to all current subscribers. It blocks while the
// bus already has MaxQueueDepth envelopes in flight, returning ctx.Err()
// if the caller gives up first. Delivery per subscriber is at-most-once:
// a full subscriber buffer drops its oldest unread envelope.
func (b *Bus) Publish(ctx context.Context, env *event.Envelope) error {
	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	d := &Delivery{
		Env:       env,
		remaining: int32(len(subs)),
		release:   func() { <-b.gate },
	}

	if len(subs) == 0 {
		<-b.gate
		return nil
	}

	for _, sub := range subs {
		b.enqueue(sub, d)
	}
	return nil
}

// enqueue delivers d to one subscriber, evicting the oldest buffered
// envelope when the buffer is full. Evicted deliveries are finished here
// so their permits do not leak.
func (b *Bus) enqueue(sub *Subscription, d *Delivery) {
	for {
		select {
		case sub.C <- d:
			return
		default:
		}

		select {
		case old := <-sub.C:
			sub.lagged.Add(1)
			metrics.BusLagged.Inc()
			old.Finish()
		default:
		}
	}
}
