// Package timer implements the monotonic-time min-ordered timer set: the
// runtime's TimerManager. Timers are kept in a container/heap priority
// queue keyed by (fire time, insertion id), the same structure the teacher
// package uses for its own per-fd read/write deadlines (watcher.go's
// timedHeap), adapted here into a general-purpose, cancellable,
// recurring-aware timer manager with conditional-timer support.
package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tidalrt/zero/internal/rtlog"
)

// Clock abstracts "now" in milliseconds so rollback behavior can be tested
// deterministically without waiting on the wall clock.
type Clock interface {
	NowMs() int64
}

type realClock struct{}

func (realClock) NowMs() int64 { return time.Now().UnixMilli() }

// RealClock is the production Clock, backed by time.Now().
var RealClock Clock = realClock{}

// Witness lets a conditional timer ask whether the object it cares about is
// still alive. A timer added via AddConditionalTimer invokes its callback
// only while Alive reports true; once it reports false the timer stays in
// the set (it is not implicitly cancelled) but its callback becomes a
// no-op, per the chosen resolution of the conditional-timer ambiguity.
type Witness interface {
	Alive() bool
}

// WitnessFunc adapts a plain func() bool to a Witness.
type WitnessFunc func() bool

func (f WitnessFunc) Alive() bool { return f() }

// Handle lets a caller cancel, refresh, or reschedule a timer it added.
type Handle interface {
	// Cancel clears the callback and removes the timer from the manager's
	// set. After Cancel, the callback is never invoked again.
	Cancel()
	// Refresh removes the timer, recomputes its fire time as now+interval,
	// and reinserts it. Returns false if the timer was already cancelled.
	Refresh() bool
	// Reset removes the timer, recomputes its fire time, and reinserts it.
	// If fromNow is true the new fire time is now+d; otherwise it is the
	// timer's original start time plus d. Returns false if the timer was
	// already cancelled.
	Reset(d time.Duration, fromNow bool) bool
	// ID is the timer's process-wide monotonic identifier.
	ID() uint64
}

var idCounter uint64

type entry struct {
	id        uint64
	corrID    string
	fireAt    int64 // ms
	interval  int64 // ms, 0 for one-shot
	recurring bool
	cb        func()
	witness   Witness
	startedAt int64
	index     int // heap index, maintained by container/heap
	mgr       *Manager
}

// heapSlice implements container/heap.Interface, ordered by (fireAt asc, id
// asc) — fire time primary, insertion id as the stable tiebreak named in
// the data model ("ties broken by stable object identity").
type heapSlice []*entry

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].fireAt != h[j].fireAt {
		return h[i].fireAt < h[j].fireAt
	}
	return h[i].id < h[j].id
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *heapSlice) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *heapSlice) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager is the TimerManager: an ordered multiset of timers keyed by
// absolute fire time, answering "next deadline" and draining expired
// timers into a callback list.
type Manager struct {
	mu                sync.RWMutex
	clock             Clock
	h                 heapSlice
	prevNow           int64
	prevSet           bool
	rollbackThreshold int64 // ms
	onFirstChanged    func()
	log               *rtlog.Logger
}

// New builds a Manager using the given Clock (RealClock in production).
func New(clock Clock) *Manager {
	if clock == nil {
		clock = RealClock
	}
	return &Manager{
		clock:             clock,
		rollbackThreshold: int64(time.Hour / time.Millisecond),
		log:               rtlog.Default(),
	}
}

// SetOnFirstChanged installs a callback invoked — without the manager's
// lock held — whenever an insertion lands at the front of the set.
// IOManager uses this to Tickle() so the idle fiber recomputes its wait.
func (m *Manager) SetOnFirstChanged(fn func()) { m.onFirstChanged = fn }

// SetRollbackThreshold overrides the "how far back is a rollback" window,
// which the spec permits tightening or making configurable.
func (m *Manager) SetRollbackThreshold(d time.Duration) {
	m.mu.Lock()
	m.rollbackThreshold = int64(d / time.Millisecond)
	m.mu.Unlock()
}

// Len reports how many timers are currently tracked.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.h)
}

// NonRecurringLen reports how many one-shot (non-recurring) timers are
// currently tracked. IOManager's termination predicate waits for this to
// reach zero rather than for Len, since a recurring timer is allowed to
// outlive a stop() call (§8: "no timers remain that are non-recurring").
func (m *Manager) NonRecurringLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.h {
		if !e.recurring {
			n++
		}
	}
	return n
}

func (m *Manager) insert(e *entry) {
	m.mu.Lock()
	var prevTop *entry
	if len(m.h) > 0 {
		prevTop = m.h[0]
	}
	heap.Push(&m.h, e)
	newTop := m.h[0]
	m.mu.Unlock()

	if newTop != prevTop && m.onFirstChanged != nil {
		m.onFirstChanged()
	}
}

// AddTimer schedules cb to fire at now+d, repeating every d if recurring.
func (m *Manager) AddTimer(d time.Duration, cb func(), recurring bool) Handle {
	return m.add(d, cb, nil, recurring)
}

// AddConditionalTimer schedules cb the same way AddTimer does, but wraps it
// so it only runs while witness.Alive() is true.
func (m *Manager) AddConditionalTimer(d time.Duration, cb func(), witness Witness, recurring bool) Handle {
	return m.add(d, cb, witness, recurring)
}

func (m *Manager) add(d time.Duration, cb func(), witness Witness, recurring bool) Handle {
	now := m.clock.NowMs()
	ms := int64(d / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	e := &entry{
		id:        atomic.AddUint64(&idCounter, 1),
		corrID:    uuid.New().String(),
		fireAt:    now + ms,
		interval:  ms,
		recurring: recurring,
		cb:        cb,
		witness:   witness,
		startedAt: now,
		mgr:       m,
	}
	m.insert(e)
	return e
}

// NextDeadlineMs reports how long the caller should wait before the next
// drain might produce work: 0 if a timer is already due, the delta to the
// earliest timer otherwise, and ok=false if the set is empty.
func (m *Manager) NextDeadlineMs() (ms int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.h) == 0 {
		return 0, false
	}
	now := m.clock.NowMs()
	delta := m.h[0].fireAt - now
	if delta < 0 {
		delta = 0
	}
	return delta, true
}

// DrainExpired appends the callbacks of every timer due by now to out and
// returns the extended slice. Recurring timers are reinserted with a fresh
// fireAt of now+interval. If now has rolled back by more than the
// configured threshold relative to the previous drain, every timer in the
// set is treated as expired (clock-rollback handling).
func (m *Manager) DrainExpired(out []func()) []func() {
	now := m.clock.NowMs()

	m.mu.Lock()
	rolledBack := m.prevSet && now < m.prevNow-m.rollbackThreshold
	m.prevNow = now
	m.prevSet = true

	var fired []*entry
	if rolledBack {
		m.log.Warn("timer manager detected clock rollback; draining all timers", rtlog.Fields{
			"now_ms": now,
		})
		fired = make([]*entry, len(m.h))
		copy(fired, m.h)
		m.h = m.h[:0]
	} else {
		for len(m.h) > 0 && m.h[0].fireAt <= now {
			e := heap.Pop(&m.h).(*entry)
			fired = append(fired, e)
		}
	}
	m.mu.Unlock()

	for _, e := range fired {
		if e.cb == nil {
			continue // cancelled between pop eligibility and drain
		}
		cb, witness := e.cb, e.witness
		out = append(out, func() {
			if witness != nil && !witness.Alive() {
				return
			}
			cb()
		})
		if e.recurring {
			e.fireAt = now + e.interval
			m.insert(e)
		}
	}
	return out
}

// ID implements Handle.
func (e *entry) ID() uint64 { return e.id }

// Cancel implements Handle.
func (e *entry) Cancel() {
	m := e.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	e.cb = nil
	if e.index >= 0 && e.index < len(m.h) && m.h[e.index] == e {
		heap.Remove(&m.h, e.index)
	}
}

// Refresh implements Handle.
func (e *entry) Refresh() bool {
	return e.Reset(time.Duration(e.interval)*time.Millisecond, true)
}

// Reset implements Handle.
func (e *entry) Reset(d time.Duration, fromNow bool) bool {
	m := e.mgr
	ms := int64(d / time.Millisecond)

	m.mu.Lock()
	if e.cb == nil {
		m.mu.Unlock()
		return false
	}
	if e.index >= 0 && e.index < len(m.h) && m.h[e.index] == e {
		heap.Remove(&m.h, e.index)
	}
	now := m.clock.NowMs()
	if fromNow {
		e.fireAt = now + ms
	} else {
		e.fireAt = e.startedAt + ms
	}
	e.interval = ms
	var prevTop *entry
	if len(m.h) > 0 {
		prevTop = m.h[0]
	}
	heap.Push(&m.h, e)
	newTop := m.h[0]
	m.mu.Unlock()

	if newTop != prevTop && m.onFirstChanged != nil {
		m.onFirstChanged()
	}
	return true
}
