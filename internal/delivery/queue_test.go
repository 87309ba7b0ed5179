// ABOUTME: Tests for the bounded delivery queue.
// ABOUTME: Covers ordering, backpressure timeout, drop-oldest, and close/drain.

package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/switchboard/internal/wire"
)

func env(id string) *wire.Envelope {
	return &wire.Envelope{Type: wire.KindChat, CorrelationID: id}
}

func TestQueue_OrderPreserved(t *testing.T) {
	q := New(16, BlockWithTimeout, time.Second)
	defer q.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(env(fmt.Sprintf("m-%d", i))))
	}

	var got []string
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, func(e *wire.Envelope) error {
			mu.Lock()
			got = append(got, e.CorrelationID)
			mu.Unlock()
			return nil
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	for i, id := range got {
		assert.Equal(t, fmt.Sprintf("m-%d", i), id)
	}
}

func TestQueue_BackpressureTimeout(t *testing.T) {
	mock := clock.NewMock()
	q := NewWithClock(1, BlockWithTimeout, 5*time.Second, mock)
	defer q.Close()

	require.NoError(t, q.Enqueue(env("m-0")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(env("m-1"))
	}()

	// Give the enqueue a chance to park on the timer, then expire it.
	time.Sleep(20 * time.Millisecond)
	mock.Add(6 * time.Second)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBackpressureTimeout)
	case <-time.After(time.Second):
		t.Fatal("enqueue never returned")
	}
	assert.Equal(t, 1, q.Len(), "queue contents untouched on timeout")
}

func TestQueue_BlockedEnqueueProceedsWhenDrained(t *testing.T) {
	q := New(1, BlockWithTimeout, 2*time.Second)
	defer q.Close()

	require.NoError(t, q.Enqueue(env("m-0")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(env("m-1"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func(*wire.Envelope) error { return nil })

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue stayed blocked after space opened")
	}
}

func TestQueue_DropOldest(t *testing.T) {
	q := New(2, DropOldest, time.Second)
	defer q.Close()

	require.NoError(t, q.Enqueue(env("m-0")))
	require.NoError(t, q.Enqueue(env("m-1")))
	require.NoError(t, q.Enqueue(env("m-2"))) // evicts m-0

	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	q.Close()
	go func() {
		defer close(done)
		_ = q.Run(ctx, func(e *wire.Envelope) error {
			got = append(got, e.CorrelationID)
			return nil
		})
	}()
	<-done

	assert.Equal(t, []string{"m-1", "m-2"}, got)
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New(4, BlockWithTimeout, time.Second)
	q.Close()

	assert.ErrorIs(t, q.Enqueue(env("m-0")), ErrQueueClosed)
}

func TestQueue_CloseDrainsQueued(t *testing.T) {
	q := New(8, BlockWithTimeout, time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(env(fmt.Sprintf("m-%d", i))))
	}
	q.Close()

	var got []string
	err := q.Run(context.Background(), func(e *wire.Envelope) error {
		got = append(got, e.CorrelationID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestQueue_RunStopsOnWriteError(t *testing.T) {
	q := New(8, BlockWithTimeout, time.Second)
	defer q.Close()

	require.NoError(t, q.Enqueue(env("m-0")))

	wantErr := fmt.Errorf("connection reset")
	err := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return q.Run(ctx, func(*wire.Envelope) error { return wantErr })
	}()
	assert.ErrorIs(t, err, wantErr)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q := New(4, BlockWithTimeout, time.Second)
	q.Close()
	q.Close()
}
