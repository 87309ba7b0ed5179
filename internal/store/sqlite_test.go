// ABOUTME: Tests for the SQLite audit store.
// ABOUTME: Uses a temp directory database per test.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectionEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	events := []*ConnectionEvent{
		{ConnID: "c1", IdentityID: "agent-1", Kind: "native-agent", Event: "connected", OccurredAt: base},
		{ConnID: "c1", IdentityID: "agent-1", Kind: "native-agent", Event: "closed", Reason: "peer-disconnect", OccurredAt: base.Add(time.Minute)},
		{ConnID: "c2", IdentityID: "user-7", Kind: "user-session", Event: "connected", OccurredAt: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		require.NoError(t, s.RecordConnectionEvent(ctx, ev))
	}

	got, err := s.ListConnectionEvents(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "closed", got[0].Event, "newest first")
	assert.Equal(t, "peer-disconnect", got[0].Reason)
	assert.Equal(t, "connected", got[1].Event)

	all, err := s.ListConnectionEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.ListConnectionEvents(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "user-7", limited[0].IdentityID)
}

func TestRejectedEnvelopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRejectedEnvelope(ctx, &RejectedEnvelope{
		SenderID:    "user-7",
		RecipientID: "agent-9",
		MessageType: "chat",
		Code:        "unknown-recipient",
		OccurredAt:  time.Now().UTC(),
	}))
	require.NoError(t, s.RecordRejectedEnvelope(ctx, &RejectedEnvelope{
		SenderID:      "user-7",
		MessageType:   "tool-call",
		CorrelationID: "call-1",
		Code:          "unauthorized",
		OccurredAt:    time.Now().UTC().Add(time.Second),
	}))

	got, err := s.ListRejectedEnvelopes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "unauthorized", got[0].Code)
	assert.Equal(t, "call-1", got[0].CorrelationID)
	assert.Equal(t, "unknown-recipient", got[1].Code)
}

func TestListEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events, err := s.ListConnectionEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	rejected, err := s.ListRejectedEnvelopes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rejected)
}
