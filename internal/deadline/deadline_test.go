package deadline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func eventuallyFired(t *testing.T, n *atomic.Int32, want int32) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Load() == want }, time.Second, 5*time.Millisecond)
}

func neverAbove(t *testing.T, n *atomic.Int32, want int32) {
	t.Helper()
	assert.Never(t, func() bool { return n.Load() > want }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestArmFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var fired atomic.Int32
	timers.Arm("a", epoch.Add(time.Second), func() { fired.Add(1) })

	clock.Advance(999 * time.Millisecond)
	neverAbove(t, &fired, 0)

	clock.Advance(time.Millisecond)
	eventuallyFired(t, &fired, 1)

	clock.Advance(time.Hour)
	neverAbove(t, &fired, 1)
	assert.Equal(t, 0, timers.Len())
}

func TestArmSupersedes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var first, second atomic.Int32
	timers.Arm("a", epoch.Add(time.Second), func() { first.Add(1) })
	timers.Arm("a", epoch.Add(3*time.Second), func() { second.Add(1) })

	clock.Advance(2 * time.Second)
	neverAbove(t, &second, 0)

	clock.Advance(time.Second)
	eventuallyFired(t, &second, 1)
	assert.Equal(t, int32(0), first.Load())
}

func TestExtendMovesDeadline(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var fired atomic.Int32
	timers.Arm("a", epoch.Add(5*time.Second), func() { fired.Add(1) })
	require.True(t, timers.Extend("a", 2*time.Second))

	at, ok := timers.Deadline("a")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(7*time.Second), at)

	clock.Advance(5 * time.Second)
	neverAbove(t, &fired, 0)

	clock.Advance(2 * time.Second)
	eventuallyFired(t, &fired, 1)
	neverAbove(t, &fired, 1)
}

func TestResetTo(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var fired atomic.Int32
	timers.Arm("a", epoch.Add(10*time.Second), func() { fired.Add(1) })
	require.True(t, timers.ResetTo("a", epoch.Add(time.Second)))

	clock.Advance(time.Second)
	eventuallyFired(t, &fired, 1)

	assert.False(t, timers.ResetTo("a", epoch.Add(time.Minute)))
	assert.False(t, timers.Extend("missing", time.Second))
}

func TestCancel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var fired atomic.Int32
	timers.Arm("a", epoch.Add(time.Second), func() { fired.Add(1) })
	assert.True(t, timers.Cancel("a"))
	assert.False(t, timers.Cancel("a"))

	_, ok := timers.Deadline("a")
	assert.False(t, ok)

	clock.Advance(time.Minute)
	neverAbove(t, &fired, 0)
}

func TestOwnersAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var a, b atomic.Int32
	timers.Arm("a", epoch.Add(time.Second), func() { a.Add(1) })
	timers.Arm("b", epoch.Add(2*time.Second), func() { b.Add(1) })
	timers.Cancel("a")

	clock.Advance(2 * time.Second)
	eventuallyFired(t, &b, 1)
	assert.Equal(t, int32(0), a.Load())
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var fired atomic.Int32
	timers.Arm("a", epoch.Add(-time.Second), func() { fired.Add(1) })
	eventuallyFired(t, &fired, 1)
}

func TestStop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var fired atomic.Int32
	timers.Arm("a", epoch.Add(time.Second), func() { fired.Add(1) })
	timers.Stop()
	timers.Arm("b", epoch.Add(time.Second), func() { fired.Add(1) })

	clock.Advance(time.Minute)
	neverAbove(t, &fired, 0)
	assert.Equal(t, 0, timers.Len())
}

func TestRearmFromCallback(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var calls, fired atomic.Int32
	var tick func()
	tick = func() {
		n := calls.Add(1)
		if n < 3 {
			timers.Arm("a", clock.Now().Add(time.Second), tick)
		}
		fired.Store(n)
	}
	timers.Arm("a", epoch.Add(time.Second), tick)

	for i := int32(1); i <= 3; i++ {
		clock.Advance(time.Second)
		eventuallyFired(t, &fired, i)
	}
}

func TestStaleFireAfterCancelAndRearm(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	timers := New(clock)

	var first, second atomic.Int32
	timers.Arm("a", epoch.Add(10*time.Millisecond), func() { first.Add(1) })
	timers.mu.Lock()
	stale := timers.entries["a"].gen
	timers.mu.Unlock()

	// A callback of the first arm that already left the clock runs after
	// the owner was cancelled and armed again.
	require.True(t, timers.Cancel("a"))
	timers.Arm("a", epoch.Add(time.Hour), func() { second.Add(1) })
	timers.fire("a", stale)

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(0), second.Load())
	at, ok := timers.Deadline("a")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), at)

	clock.Advance(time.Hour)
	eventuallyFired(t, &second, 1)
	assert.Equal(t, int32(0), first.Load())
}
