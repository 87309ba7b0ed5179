// ABOUTME: Bounded per-connection outbound queue with backpressure policies.
// ABOUTME: A single writer goroutine preserves per-sender ordering on the wire.

package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayops/switchboard/internal/wire"
)

// Queue errors
var (
	// ErrBackpressureTimeout means the queue stayed full past the enqueue
	// timeout under the block-with-timeout policy.
	ErrBackpressureTimeout = errors.New("delivery queue full: backpressure timeout")

	// ErrQueueClosed means the connection is draining or closed.
	ErrQueueClosed = errors.New("delivery queue closed")
)

// Policy selects the behavior when a queue is full.
type Policy string

const (
	// BlockWithTimeout makes Enqueue wait for space up to the enqueue
	// timeout. The default for chat and tool traffic.
	BlockWithTimeout Policy = "block-with-timeout"

	// DropOldest evicts the oldest queued envelope to make room. Used for
	// status traffic where only the freshest update matters.
	DropOldest Policy = "drop-oldest"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == BlockWithTimeout || p == DropOldest
}

// Queue is a bounded FIFO of outbound envelopes for one connection.
// Producers call Enqueue from router goroutines; a single consumer drains it
// via Run, so envelopes reach the socket in enqueue order.
type Queue struct {
	ch             chan *wire.Envelope
	policy         Policy
	enqueueTimeout time.Duration
	clk            clock.Clock
	dropped        atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a queue with the given capacity and full-queue policy.
func New(capacity int, policy Policy, enqueueTimeout time.Duration) *Queue {
	return NewWithClock(capacity, policy, enqueueTimeout, clock.New())
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(capacity int, policy Policy, enqueueTimeout time.Duration, clk clock.Clock) *Queue {
	return &Queue{
		ch:             make(chan *wire.Envelope, capacity),
		policy:         policy,
		enqueueTimeout: enqueueTimeout,
		clk:            clk,
		done:           make(chan struct{}),
	}
}

// Enqueue appends an envelope for delivery under the queue's default
// policy.
func (q *Queue) Enqueue(env *wire.Envelope) error {
	return q.EnqueueWith(env, q.policy)
}

// EnqueueWith appends an envelope under an explicit policy, letting the
// router pick the policy per message kind on a shared queue. Under
// BlockWithTimeout it waits for space up to the enqueue timeout and returns
// ErrBackpressureTimeout on expiry. Under DropOldest it evicts the oldest
// queued envelope instead of waiting. Returns ErrQueueClosed once Close has
// been called.
func (q *Queue) EnqueueWith(env *wire.Envelope, policy Policy) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	// Fast path: space available.
	select {
	case q.ch <- env:
		return nil
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	switch policy {
	case DropOldest:
		return q.enqueueDropOldest(env)
	default:
		return q.enqueueBlocking(env)
	}
}

// enqueueBlocking waits for space up to the enqueue timeout.
func (q *Queue) enqueueBlocking(env *wire.Envelope) error {
	timer := q.clk.Timer(q.enqueueTimeout)
	defer timer.Stop()

	select {
	case q.ch <- env:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-timer.C:
		return ErrBackpressureTimeout
	}
}

// enqueueDropOldest evicts queued envelopes until the new one fits. The loop
// terminates because each iteration either sends or shrinks the queue.
func (q *Queue) enqueueDropOldest(env *wire.Envelope) error {
	for {
		select {
		case q.ch <- env:
			return nil
		case <-q.done:
			return ErrQueueClosed
		default:
		}

		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Run delivers queued envelopes through write until the queue is closed or
// write fails. It must be the only consumer. After Close it drains whatever
// is already queued, then returns.
func (q *Queue) Run(ctx context.Context, write func(*wire.Envelope) error) error {
	for {
		select {
		case env := <-q.ch:
			if err := write(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return q.drain(write)
		}
	}
}

// drain flushes envelopes that were queued before close.
func (q *Queue) drain(write func(*wire.Envelope) error) error {
	for {
		select {
		case env := <-q.ch:
			if err := write(env); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Close rejects further enqueues. Envelopes already queued are still
// delivered by Run. Safe to call multiple times.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns the number of envelopes evicted under DropOldest.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
