package timer_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalrt/zero/timer"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

func TestTimerFiresAfterDeadline(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := timer.New(clk)

	var fired int32
	m.AddTimer(50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, false)

	ms, ok := m.NextDeadlineMs()
	require.True(t, ok)
	assert.Equal(t, int64(50), ms)

	clk.Advance(49)
	cbs := m.DrainExpired(nil)
	assert.Len(t, cbs, 0)

	clk.Advance(1)
	cbs = m.DrainExpired(nil)
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestTimerZeroMsDueImmediately(t *testing.T) {
	clk := &fakeClock{now: 1000}
	m := timer.New(clk)
	m.AddTimer(0, func() {}, false)

	ms, ok := m.NextDeadlineMs()
	require.True(t, ok)
	assert.Equal(t, int64(0), ms)
}

func TestTimerCancelNeverInvoked(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := timer.New(clk)

	var fired bool
	h := m.AddTimer(50*time.Millisecond, func() { fired = true }, false)
	clk.Advance(10)
	h.Cancel()
	clk.Advance(200)

	cbs := m.DrainExpired(nil)
	assert.Len(t, cbs, 0)
	assert.False(t, fired)
	assert.Equal(t, 0, m.Len())
}

func TestRecurringTimerReinsertsFromNow(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := timer.New(clk)

	var fires int32
	m.AddTimer(20*time.Millisecond, func() { atomic.AddInt32(&fires, 1) }, true)

	for i := 0; i < 5; i++ {
		clk.Advance(20)
		cbs := m.DrainExpired(nil)
		require.Len(t, cbs, 1)
		cbs[0]()
	}
	assert.EqualValues(t, 5, atomic.LoadInt32(&fires))
	assert.Equal(t, 1, m.Len()) // still one live recurring timer
}

type flagWitness struct{ alive int32 }

func (w *flagWitness) Alive() bool { return atomic.LoadInt32(&w.alive) != 0 }
func (w *flagWitness) Kill()       { atomic.StoreInt32(&w.alive, 0) }
func newFlagWitness() *flagWitness { return &flagWitness{alive: 1} }

func TestConditionalTimerSuppressedAfterWitnessDies(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := timer.New(clk)
	w := newFlagWitness()

	var fired int32
	m.AddConditionalTimer(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, w, true)

	clk.Advance(10)
	cbs := m.DrainExpired(nil)
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.EqualValues(t, 1, fired)

	w.Kill()
	clk.Advance(10)
	cbs = m.DrainExpired(nil)
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.EqualValues(t, 1, fired) // suppressed, not incremented

	// timer remains in the set (not implicitly cancelled) until explicitly cancelled.
	assert.Equal(t, 1, m.Len())
}

func TestClockRollbackDrainsAllTimers(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := timer.New(clk)

	var fired int
	m.AddTimer(1000*time.Millisecond, func() { fired++ }, false)
	m.AddTimer(2000*time.Millisecond, func() { fired++ }, false)

	// establish prevNow via a no-op drain at t=0
	m.DrainExpired(nil)

	clk.Set(-int64(time.Hour/time.Millisecond) - 1000)
	cbs := m.DrainExpired(nil)
	require.Len(t, cbs, 2)
	for _, cb := range cbs {
		cb()
	}
	assert.Equal(t, 2, fired)
}

func TestResetRecomputesFireTime(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := timer.New(clk)
	h := m.AddTimer(100*time.Millisecond, func() {}, false)

	clk.Advance(10)
	ok := h.Reset(50*time.Millisecond, true)
	require.True(t, ok)

	ms, _ := m.NextDeadlineMs()
	assert.Equal(t, int64(50), ms)
}

func TestOnFirstChangedFiresOnNewEarliestTimer(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := timer.New(clk)

	var calls int32
	m.SetOnFirstChanged(func() { atomic.AddInt32(&calls, 1) })

	m.AddTimer(100*time.Millisecond, func() {}, false)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// a later timer does not become the new front.
	m.AddTimer(200*time.Millisecond, func() {}, false)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// an earlier timer does.
	m.AddTimer(10*time.Millisecond, func() {}, false)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
