// ABOUTME: Tests for the connection state machine.
// ABOUTME: Covers transitions, delivery gating, and idle accounting.

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/switchboard/internal/delivery"
	"github.com/relayops/switchboard/internal/identity"
	"github.com/relayops/switchboard/internal/wire"
)

// fakeTransport collects written envelopes.
type fakeTransport struct {
	mu      sync.Mutex
	written []*wire.Envelope
	closed  bool
}

func (t *fakeTransport) WriteEnvelope(env *wire.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, env)
	return nil
}

func (t *fakeTransport) ReadEnvelope() (*wire.Envelope, error) {
	select {} // block forever; tests drive writes only
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) writtenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.written)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func testIdentity(id string) *identity.Identity {
	return &identity.Identity{
		ID:           id,
		Kind:         identity.KindUserSession,
		Capabilities: identity.DefaultCapabilities(identity.KindUserSession),
	}
}

func newTestConn(clk clock.Clock) (*Connection, *fakeTransport) {
	tr := &fakeTransport{}
	q := delivery.New(16, delivery.BlockWithTimeout, time.Second)
	return NewConnection(tr, q, clk), tr
}

func TestConnection_Lifecycle(t *testing.T) {
	conn, _ := newTestConn(clock.New())
	assert.Equal(t, StateConnecting, conn.State())
	assert.Nil(t, conn.Identity())

	require.NoError(t, conn.Authenticate(testIdentity("user-1"), []string{"agent-1"}))
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.Equal(t, "user-1", conn.Identity().ID)
	assert.True(t, conn.SubscribedTo("agent-1"))
	assert.False(t, conn.SubscribedTo("agent-2"))

	require.NoError(t, conn.Activate())
	assert.Equal(t, StateActive, conn.State())
}

func TestConnection_BadTransitions(t *testing.T) {
	conn, _ := newTestConn(clock.New())

	assert.ErrorIs(t, conn.Activate(), ErrBadTransition)

	require.NoError(t, conn.Authenticate(testIdentity("user-1"), nil))
	assert.ErrorIs(t, conn.Authenticate(testIdentity("user-1"), nil), ErrBadTransition)

	require.NoError(t, conn.Activate())
	assert.ErrorIs(t, conn.Activate(), ErrBadTransition)
}

func TestConnection_DeliverRequiresActive(t *testing.T) {
	conn, _ := newTestConn(clock.New())
	env := &wire.Envelope{Type: wire.KindChat}

	assert.ErrorIs(t, conn.Deliver(env), ErrNotActive)

	require.NoError(t, conn.Authenticate(testIdentity("user-1"), nil))
	assert.ErrorIs(t, conn.Deliver(env), ErrNotActive)

	require.NoError(t, conn.Activate())
	assert.NoError(t, conn.Deliver(env))
	assert.Equal(t, 1, conn.Queue.Len())
}

func TestConnection_IdleTracking(t *testing.T) {
	mock := clock.NewMock()
	conn, _ := newTestConn(mock)

	mock.Add(30 * time.Second)
	assert.Equal(t, 30*time.Second, conn.IdleFor())

	conn.Touch()
	assert.Equal(t, time.Duration(0), conn.IdleFor())

	mock.Add(10 * time.Second)
	assert.Equal(t, 10*time.Second, conn.IdleFor())
}
