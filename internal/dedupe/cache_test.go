// ABOUTME: Tests for the TTL dedupe cache.
// ABOUTME: Covers expiry with a mock clock, capacity eviction, and atomicity.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("call-1"), "first sight should not be a duplicate")
	assert.True(t, c.CheckAndMark("call-1"), "second sight should be a duplicate")
	assert.False(t, c.CheckAndMark("call-2"))
}

func TestExpiry(t *testing.T) {
	mock := clock.NewMock()
	c := NewWithClock(100*time.Millisecond, 100, mock)
	defer c.Close()

	c.CheckAndMark("call-1")
	assert.True(t, c.Seen("call-1"))

	mock.Add(150 * time.Millisecond)
	assert.False(t, c.Seen("call-1"), "entry should expire after TTL")
	assert.False(t, c.CheckAndMark("call-1"), "expired entry counts as unseen")
}

func TestBackgroundCleanup(t *testing.T) {
	mock := clock.NewMock()
	c := NewWithClock(30*time.Second, 100, mock)
	defer c.Close()

	c.CheckAndMark("call-1")
	c.CheckAndMark("call-2")
	assert.Equal(t, 2, c.Len())

	// Past the TTL and past the cleanup tick.
	mock.Add(2 * time.Minute)
	assert.Eventually(t, func() bool { return c.Len() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestCapacityEviction(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	c.CheckAndMark("c")
	c.CheckAndMark("d") // evicts "a"

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("d"))
}

func TestForget(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	c.CheckAndMark("call-1")
	c.Forget("call-1")
	assert.False(t, c.Seen("call-1"))
	assert.False(t, c.CheckAndMark("call-1"), "forgotten key can be marked again")

	c.Forget("never-seen")
}

func TestConcurrentCheckAndMark(t *testing.T) {
	c := New(time.Minute, 10000)
	defer c.Close()

	const workers = 8
	var wg sync.WaitGroup
	duplicates := make([]int, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if c.CheckAndMark(fmt.Sprintf("key-%d", i)) {
					duplicates[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	// Each key is marked exactly once; the other workers see duplicates.
	total := 0
	for _, d := range duplicates {
		total += d
	}
	assert.Equal(t, (workers-1)*100, total)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
