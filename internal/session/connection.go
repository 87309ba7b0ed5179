// ABOUTME: Per-connection state machine and delivery entry point.
// ABOUTME: States move one way: connecting, authenticated, active, draining, closed.

package session

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/relayops/switchboard/internal/delivery"
	"github.com/relayops/switchboard/internal/identity"
	"github.com/relayops/switchboard/internal/wire"
)

// Connection errors
var (
	ErrNotActive     = errors.New("connection not active")
	ErrBadTransition = errors.New("invalid state transition")
)

// State is a connection lifecycle state. Transitions are monotonic.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDraining
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the duplex byte boundary beneath a connection. The hub's
// websocket wrapper implements it; tests use in-memory fakes.
type Transport interface {
	WriteEnvelope(*wire.Envelope) error
	ReadEnvelope() (*wire.Envelope, error)
	Close() error
}

// Connection is one live duplex link. The identity is nil until the
// handshake completes; subscriptions are fixed at handshake time.
type Connection struct {
	ID        string
	Transport Transport
	Queue     *delivery.Queue

	state        atomic.Int32
	ident        atomic.Pointer[identity.Identity]
	lastActivity atomic.Int64 // unix nanos
	connectedAt  time.Time
	clk          clock.Clock

	subscriptions map[string]struct{}

	// writerDone is closed by the owner of the writer goroutine once the
	// queue has fully drained, letting Close sequence the transport close.
	writerDone chan struct{}
}

// NewConnection creates a connection in the connecting state.
func NewConnection(transport Transport, queue *delivery.Queue, clk clock.Clock) *Connection {
	c := &Connection{
		ID:            uuid.NewString(),
		Transport:     transport,
		Queue:         queue,
		connectedAt:   clk.Now(),
		clk:           clk,
		subscriptions: make(map[string]struct{}),
		writerDone:    make(chan struct{}),
	}
	c.lastActivity.Store(clk.Now().UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Identity returns the authenticated identity, or nil before the handshake
// completes.
func (c *Connection) Identity() *identity.Identity {
	return c.ident.Load()
}

// Authenticate binds a resolved identity and its status subscriptions,
// moving connecting to authenticated.
func (c *Connection) Authenticate(ident *identity.Identity, subscriptions []string) error {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return ErrBadTransition
	}
	c.ident.Store(ident)
	for _, s := range subscriptions {
		c.subscriptions[s] = struct{}{}
	}
	return nil
}

// Activate moves authenticated to active, after which the connection is
// routable.
func (c *Connection) Activate() error {
	if !c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive)) {
		return ErrBadTransition
	}
	return nil
}

// beginDraining moves any pre-close state to draining. Returns false if the
// connection is already draining or closed, making teardown idempotent.
func (c *Connection) beginDraining() bool {
	for {
		cur := c.state.Load()
		if cur >= int32(StateDraining) {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(StateDraining)) {
			return true
		}
	}
}

// markClosed finalizes the state after teardown.
func (c *Connection) markClosed() {
	c.state.Store(int32(StateClosed))
}

// Touch records activity for liveness tracking. Any inbound frame counts.
func (c *Connection) Touch() {
	c.lastActivity.Store(c.clk.Now().UnixNano())
}

// IdleFor returns the time since the last inbound activity.
func (c *Connection) IdleFor() time.Duration {
	return c.clk.Now().Sub(time.Unix(0, c.lastActivity.Load()))
}

// ConnectedAt returns when the transport was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// SubscribedTo reports whether the connection asked for status updates
// about the given identity.
func (c *Connection) SubscribedTo(identityID string) bool {
	_, ok := c.subscriptions[identityID]
	return ok
}

// Deliver enqueues an envelope for this connection under the queue's
// default policy. Draining and closed connections accept nothing new.
func (c *Connection) Deliver(env *wire.Envelope) error {
	if c.State() != StateActive {
		return ErrNotActive
	}
	return c.Queue.Enqueue(env)
}

// DeliverWith enqueues under an explicit backpressure policy.
func (c *Connection) DeliverWith(env *wire.Envelope, policy delivery.Policy) error {
	if c.State() != StateActive {
		return ErrNotActive
	}
	return c.Queue.EnqueueWith(env, policy)
}

// WriterDone returns the channel closed when the writer goroutine exits.
func (c *Connection) WriterDone() <-chan struct{} {
	return c.writerDone
}

// FinishWriter signals that the writer goroutine has drained and exited.
// Called exactly once by the goroutine's owner.
func (c *Connection) FinishWriter() {
	close(c.writerDone)
}
