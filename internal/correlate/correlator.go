// ABOUTME: Tracks outstanding tool-calls by correlation id with deadlines.
// ABOUTME: A compare-and-swap on pending state makes response/timeout races safe.

package correlate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relayops/switchboard/internal/session"
	"github.com/relayops/switchboard/internal/wire"
)

// Correlator errors
var (
	// ErrUnknownCorrelation means no pending request matches: the response
	// is stale or duplicated. Logged by callers, never fatal.
	ErrUnknownCorrelation = errors.New("unknown correlation id")

	// ErrDuplicateCorrelation means the correlation id is already in use by
	// an outstanding call.
	ErrDuplicateCorrelation = errors.New("correlation id already outstanding")
)

// ErrCodeTimeout is the error payload code for synthesized timeout frames.
const ErrCodeTimeout = "correlation-timeout"

// Pending request states. Transitions go through exactly one CAS, so a
// racing response and sweep cannot both win.
const (
	stateWaiting int32 = iota
	stateFulfilled
	stateTimedOut
	stateRequesterGone
	stateCancelled
)

// pending is one outstanding correlated exchange.
type pending struct {
	correlationID string
	requester     *session.Connection
	deadline      time.Time
	state         atomic.Int32
}

// Correlator tracks pending requests and reaps expired ones on a fixed
// sweep interval.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
	byConn  map[string]map[string]*pending // requester conn id -> correlation ids

	defaultDeadline time.Duration
	sweepInterval   time.Duration
	clk             clock.Clock
	logger          *slog.Logger
}

// New creates a correlator. Tool-calls without an explicit deadline get
// defaultDeadline.
func New(defaultDeadline, sweepInterval time.Duration, clk clock.Clock, logger *slog.Logger) *Correlator {
	return &Correlator{
		pending:         make(map[string]*pending),
		byConn:          make(map[string]map[string]*pending),
		defaultDeadline: defaultDeadline,
		sweepInterval:   sweepInterval,
		clk:             clk,
		logger:          logger.With("component", "correlator"),
	}
}

// Track registers a pending request for a routed tool-call. The correlation
// id must not collide with another outstanding call.
func (c *Correlator) Track(correlationID string, requester *session.Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[correlationID]; exists {
		return ErrDuplicateCorrelation
	}

	p := &pending{
		correlationID: correlationID,
		requester:     requester,
		deadline:      c.clk.Now().Add(c.defaultDeadline),
	}
	c.pending[correlationID] = p

	set, ok := c.byConn[requester.ID]
	if !ok {
		set = make(map[string]*pending)
		c.byConn[requester.ID] = set
	}
	set[correlationID] = p
	return nil
}

// Resolve matches a tool-response (or correlated error) to its pending
// request and delivers it to the requester. Returns ErrUnknownCorrelation
// for stale or duplicate responses.
func (c *Correlator) Resolve(response *wire.Envelope) error {
	c.mu.Lock()
	p, ok := c.pending[response.CorrelationID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownCorrelation
	}

	if !p.state.CompareAndSwap(stateWaiting, stateFulfilled) {
		// Lost the race against the sweep or a disconnect.
		return ErrUnknownCorrelation
	}
	c.remove(p)

	if err := p.requester.Deliver(response); err != nil {
		c.logger.Warn("response undeliverable",
			"correlation_id", p.correlationID,
			"conn_id", p.requester.ID,
			"error", err)
	}
	return nil
}

// Cancel withdraws a pending request, typically because the tool-call could
// not be delivered to any recipient. Returns false if the request already
// reached a terminal state.
func (c *Correlator) Cancel(correlationID string) bool {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if !p.state.CompareAndSwap(stateWaiting, stateCancelled) {
		return false
	}
	c.remove(p)
	return true
}

// RequesterGone resolves every pending request originated by a closed
// connection. The requests end in a distinct terminal state so a later
// sweep does not synthesize timeout errors for them. Returns the number
// resolved.
func (c *Correlator) RequesterGone(conn *session.Connection) int {
	c.mu.Lock()
	set := c.byConn[conn.ID]
	resolved := make([]*pending, 0, len(set))
	for _, p := range set {
		resolved = append(resolved, p)
	}
	c.mu.Unlock()

	n := 0
	for _, p := range resolved {
		if p.state.CompareAndSwap(stateWaiting, stateRequesterGone) {
			c.remove(p)
			n++
		}
	}
	if n > 0 {
		c.logger.Info("resolved pending requests for closed connection",
			"conn_id", conn.ID, "count", n)
	}
	return n
}

// Run sweeps for expired pending requests until the context is cancelled.
func (c *Correlator) Run(ctx context.Context) {
	ticker := c.clk.Ticker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep times out pending requests past their deadline, delivering exactly
// one synthesized error to each requester still active.
func (c *Correlator) sweep() {
	now := c.clk.Now()

	c.mu.Lock()
	var expired []*pending
	for _, p := range c.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		if !p.state.CompareAndSwap(stateWaiting, stateTimedOut) {
			continue
		}
		c.remove(p)

		env := wire.NewError(ErrCodeTimeout, "no response before deadline", "", now)
		env.CorrelationID = p.correlationID
		if err := p.requester.Deliver(env); err != nil {
			c.logger.Debug("timeout error undeliverable",
				"correlation_id", p.correlationID, "error", err)
		}
		c.logger.Info("tool-call timed out", "correlation_id", p.correlationID)
	}
}

// remove drops a pending request from both indexes.
func (c *Correlator) remove(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, p.correlationID)
	if set, ok := c.byConn[p.requester.ID]; ok {
		delete(set, p.correlationID)
		if len(set) == 0 {
			delete(c.byConn, p.requester.ID)
		}
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
