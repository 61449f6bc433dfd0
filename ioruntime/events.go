package ioruntime

import (
	"sync"
	"sync/atomic"

	"github.com/tidalrt/zero/fiber"
	"github.com/tidalrt/zero/internal/poller"
)

// schedulerHost is the minimal surface an event handler needs to resume
// whatever it captured — a fiber or a callback — on its owning scheduler.
// *IOManager satisfies this through its embedded *sched.Scheduler.
type schedulerHost interface {
	fiber.Host
	ScheduleCallback(cb func(), thread ...int)
}

// eventSub is one half (read or write) of a descriptor's event context: the
// captured handler, either a fiber or a plain callback, never both. A
// callback handler receives whether it is firing because of genuine
// readiness (false) or because the registration was torn down by
// CancelEvent/CancelAll (true) — the hook layer uses this to tell a
// timed-out wait apart from one interrupted by another fiber.
type eventSub struct {
	fiber *fiber.Fiber
	cb    func(cancelled bool)
}

func (s *eventSub) fire(host schedulerHost, cancelled bool) {
	if s == nil {
		return
	}
	if s.fiber != nil {
		host.ScheduleFiber(s.fiber)
		return
	}
	if s.cb != nil {
		cb := s.cb
		host.ScheduleCallback(func() { cb(cancelled) })
	}
}

// eventEntry is the per-descriptor event context named in §3: the
// registered mask plus a read and a write sub-context, each populated iff
// its bit is set in mask.
type eventEntry struct {
	mu    sync.Mutex
	fd    int
	mask  poller.Event
	read  *eventSub
	write *eventSub
}

// eventTable is the index-addressable, grow-on-demand vector of per-
// descriptor event contexts, protected for resize by its own RWMutex while
// per-entry mutation uses the entry's own mutex (§5: "reader/writer lock for
// table resize; per-entry operations use a per-entry mutex").
type eventTable struct {
	mu      sync.RWMutex
	entries []*eventEntry
	pending int64
}

func newEventTable() *eventTable { return &eventTable{} }

func (t *eventTable) get(fd int) *eventEntry {
	t.mu.RLock()
	if fd < len(t.entries) && t.entries[fd] != nil {
		e := t.entries[fd]
		t.mu.RUnlock()
		return e
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.entries) {
		grown := make([]*eventEntry, fd+1)
		copy(grown, t.entries)
		t.entries = grown
	}
	if t.entries[fd] == nil {
		t.entries[fd] = &eventEntry{fd: fd}
	}
	return t.entries[fd]
}

func (t *eventTable) addPending(delta int64) { atomic.AddInt64(&t.pending, delta) }

// Pending reports the total set bits across every descriptor's event mask,
// the invariant checked by the end-to-end event-cancellation scenario.
func (t *eventTable) Pending() int64 { return atomic.LoadInt64(&t.pending) }

func popcount(ev poller.Event) int64 {
	n := int64(0)
	if ev&poller.EventRead != 0 {
		n++
	}
	if ev&poller.EventWrite != 0 {
		n++
	}
	return n
}

// clearBits removes the given bits from e's registration (caller holds
// e.mu), re-arming or removing the descriptor from the poller as needed,
// and returns how many bits were actually cleared.
func (m *IOManager) clearBits(e *eventEntry, ev poller.Event) int {
	n := 0
	if ev&poller.EventRead != 0 && e.mask&poller.EventRead != 0 {
		e.read = nil
		e.mask &^= poller.EventRead
		n++
	}
	if ev&poller.EventWrite != 0 && e.mask&poller.EventWrite != 0 {
		e.write = nil
		e.mask &^= poller.EventWrite
		n++
	}
	if n == 0 {
		return 0
	}
	if e.mask == 0 {
		_ = m.poller.Remove(e.fd)
	} else {
		_ = m.poller.Modify(e.fd, e.mask)
	}
	return n
}
