package poller

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduler_NormalPolling(t *testing.T) {
	var fires atomic.Int64
	s := New(
		func() { fires.Add(1) },
		func() bool { return true },
		WithIntervals(20*time.Millisecond, 5*time.Millisecond, 50*time.Millisecond),
	)
	defer s.Stop()

	s.Start()
	assert.Equal(t, StateNormal, s.State())

	waitFor(t, 2*time.Second, func() bool { return fires.Load() >= 3 })
}

func TestScheduler_StopIsSynchronous(t *testing.T) {
	var mu sync.Mutex
	var firesAfterStop int
	stopped := false

	s := New(nil, func() bool { return true },
		WithIntervals(5*time.Millisecond, 5*time.Millisecond, time.Second))
	s.resolve = func() {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		if stopped {
			firesAfterStop++
		}
		mu.Unlock()
	}

	s.Start()
	time.Sleep(30 * time.Millisecond)

	s.Stop()
	mu.Lock()
	stopped = true
	mu.Unlock()

	assert.Equal(t, StateIdle, s.State())
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, firesAfterStop, "no fire may run after Stop returns")
}

func TestScheduler_AggressiveDecaysToNormal(t *testing.T) {
	var fires atomic.Int64
	s := New(
		func() { fires.Add(1) },
		func() bool { return true },
		WithIntervals(time.Hour, 5*time.Millisecond, 30*time.Millisecond),
	)
	defer s.Stop()

	s.StartAggressive()
	require.Equal(t, StateAggressive, s.State())

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateNormal })
	assert.Greater(t, fires.Load(), int64(0))
}

func TestScheduler_ExpiredAggressiveFireDecaysWithoutResolving(t *testing.T) {
	// The window elapses before the first aggressive fire lands: the fire
	// must decay to normal without running one more aggressive resolve.
	var fires atomic.Int64
	s := New(
		func() { fires.Add(1) },
		func() bool { return true },
		WithIntervals(time.Hour, 50*time.Millisecond, 10*time.Millisecond),
	)
	defer s.Stop()

	s.StartAggressive()
	require.Equal(t, StateAggressive, s.State())

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateNormal })
	assert.Zero(t, fires.Load(), "no resolve may run on a fire past the deadline")
}

func TestScheduler_StopsWhenSessionEnds(t *testing.T) {
	var authed atomic.Bool
	authed.Store(true)
	var fires atomic.Int64

	s := New(
		func() { fires.Add(1) },
		func() bool { return authed.Load() },
		WithIntervals(10*time.Millisecond, 5*time.Millisecond, time.Second),
	)
	defer s.Stop()

	s.Start()
	waitFor(t, 2*time.Second, func() bool { return fires.Load() >= 1 })

	authed.Store(false)
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateIdle })

	count := fires.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, fires.Load(), "no fires once idle")
}

func TestScheduler_StartAggressiveWhileNormal(t *testing.T) {
	s := New(func() {}, func() bool { return true },
		WithIntervals(time.Hour, time.Hour, time.Hour))
	defer s.Stop()

	s.Start()
	require.Equal(t, StateNormal, s.State())

	s.StartAggressive()
	assert.Equal(t, StateAggressive, s.State())

	s.Start()
	assert.Equal(t, StateNormal, s.State())
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s := New(func() {}, func() bool { return true })
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
}
