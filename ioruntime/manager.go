// Package ioruntime implements IOManager: a Scheduler extended with a
// kernel event demultiplexer, a self-pipe for cross-thread wakeups, the
// per-descriptor event table, and integration with the timer manager. Its
// idle fiber is the one described in the design's §4.4 — it blocks in the
// poller bounded by the next timer deadline rather than spinning.
package ioruntime

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/tidalrt/zero/fiber"
	"github.com/tidalrt/zero/internal/poller"
	"github.com/tidalrt/zero/internal/rtlog"
	"github.com/tidalrt/zero/rterr"
	"github.com/tidalrt/zero/sched"
	"github.com/tidalrt/zero/timer"
)

// defaultMaxWaitMs bounds how long the idle fiber blocks in the poller even
// when no timer is pending, so clock corrections and safety timers still
// make progress (§4.4: MAX_WAIT, "e.g. 3s").
const defaultMaxWaitMs = 3000

// Option configures an IOManager at construction time.
type Option func(*IOManager)

// WithMaxWait overrides the idle fiber's MAX_WAIT bound.
func WithMaxWait(d time.Duration) Option {
	return func(m *IOManager) { m.maxWaitMs = int64(d / time.Millisecond) }
}

// WithConnectSemaphoreWeight sets the weight of the semaphore returned by
// ConnectSemaphore. Defaults to threadCount*4.
func WithConnectSemaphoreWeight(n int64) Option {
	return func(m *IOManager) { m.connectSemWeight = n }
}

// WithLogger overrides the structured logger used for poller/dispatch
// diagnostics.
func WithLogger(log *rtlog.Logger) Option {
	return func(m *IOManager) { m.log = log }
}

// IOManager extends *sched.Scheduler with the event demultiplexer, the
// wakeup pipe, and the timer manager named in §4.4.
type IOManager struct {
	*sched.Scheduler

	poller poller.Poller
	events *eventTable
	timers *timer.Manager

	pipeR, pipeW *os.File
	wakeupFd     int

	// pollMu ensures only one worker's idle tick actually blocks in the
	// poller at a time; the others treat idle as "wait for a tickle", which
	// matches a single shared kernel event loop rather than a thundering
	// herd of concurrent epoll_wait calls racing over one result buffer.
	pollMu  sync.Mutex
	waitBuf []poller.ReadyEvent

	wake chan struct{}

	maxWaitMs        int64
	connectSemWeight int64
	connectSem       *semaphore.Weighted

	log *rtlog.Logger
}

// New builds an IOManager with threadCount worker threads, grounded on the
// same constructor shape as sched.New plus the poller/timer/self-pipe setup
// §4.4 adds on top of a plain Scheduler.
func New(threadCount int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("ioruntime: create poller: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("ioruntime: create wakeup pipe: %w", err)
	}
	rfd := int(r.Fd())
	if err := unix.SetNonblock(rfd, true); err != nil {
		_ = p.Close()
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("ioruntime: set wakeup pipe non-blocking: %w", err)
	}

	m := &IOManager{
		Scheduler: sched.New(threadCount, useCaller, name),
		poller:    p,
		events:    newEventTable(),
		timers:    timer.New(timer.RealClock),
		pipeR:     r,
		pipeW:     w,
		wakeupFd:  rfd,
		waitBuf:   make([]poller.ReadyEvent, 256),
		wake:      make(chan struct{}, 1),
		maxWaitMs: defaultMaxWaitMs,
		log:       rtlog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.connectSemWeight <= 0 {
		m.connectSemWeight = int64(threadCount) * 4
	}
	m.connectSem = semaphore.NewWeighted(m.connectSemWeight)

	if err := p.Add(rfd, poller.EventRead); err != nil {
		_ = p.Close()
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("ioruntime: register wakeup pipe: %w", err)
	}

	m.timers.SetOnFirstChanged(m.Tickle)
	m.Scheduler.SetIdleFunc(m.idleTick)
	m.Scheduler.SetTickleFunc(m.tickle)
	m.Scheduler.SetStopExtra(m.stopExtra)
	return m, nil
}

// Timers returns the manager's TimerManager, consumed by the hook layer for
// sleep/timeout support.
func (m *IOManager) Timers() *timer.Manager { return m.timers }

// ConnectSemaphore returns a weighted semaphore sized for bounding
// concurrent connect operations. The hook layer's Connect does not acquire
// it; only callers that acquire it themselves are bounded by it.
func (m *IOManager) ConnectSemaphore() *semaphore.Weighted { return m.connectSem }

// PendingEvents reports the total set bits across every descriptor's event
// mask — the invariant exercised by the event-cancellation scenario.
func (m *IOManager) PendingEvents() int64 { return m.events.Pending() }

// Close releases the poller and the wakeup pipe. Call after Stop.
func (m *IOManager) Close() error {
	err1 := m.poller.Close()
	err2 := m.pipeR.Close()
	err3 := m.pipeW.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

func (m *IOManager) tickle() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
	_, _ = m.pipeW.Write([]byte{1})
}

func (m *IOManager) stopExtra() bool {
	return m.events.Pending() == 0 && m.timers.NonRecurringLen() == 0
}

// AddEvent registers interest in ev (EventRead, EventWrite, or both) on fd.
// Exactly one of f or cb should be non-nil: a fiber-backed handler captures
// the currently executing fiber (passed explicitly, per this rewrite's
// no-thread-locals rule) and is simply rescheduled on fire; a
// callback-backed handler receives whether it fired via cancellation rather
// than genuine readiness, which the hook layer uses to tell a timeout or an
// external cancel_event apart from real data arriving. Attempting to add a
// bit that is already registered fails with CodeAlreadyRegistered and
// leaves the table unchanged.
func (m *IOManager) AddEvent(fd int, ev poller.Event, f *fiber.Fiber, cb func(cancelled bool)) error {
	e := m.events.get(fd)
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev&poller.EventRead != 0 && e.mask&poller.EventRead != 0 {
		return rterr.New(rterr.CodeAlreadyRegistered, fmt.Sprintf("read event already registered on fd %d", fd))
	}
	if ev&poller.EventWrite != 0 && e.mask&poller.EventWrite != 0 {
		return rterr.New(rterr.CodeAlreadyRegistered, fmt.Sprintf("write event already registered on fd %d", fd))
	}

	sub := &eventSub{fiber: f, cb: cb}
	if ev&poller.EventRead != 0 {
		e.read = sub
	}
	if ev&poller.EventWrite != 0 {
		if ev&poller.EventRead != 0 {
			e.write = &eventSub{fiber: f, cb: cb}
		} else {
			e.write = sub
		}
	}

	prevMask := e.mask
	newMask := prevMask | ev
	var err error
	if prevMask == 0 {
		err = m.poller.Add(fd, newMask)
	} else {
		err = m.poller.Modify(fd, newMask)
	}
	if err != nil {
		if ev&poller.EventRead != 0 {
			e.read = nil
		}
		if ev&poller.EventWrite != 0 {
			e.write = nil
		}
		return rterr.Wrap(rterr.CodeBadDescriptor, fmt.Sprintf("register fd %d with poller", fd), err)
	}

	e.mask = newMask
	m.events.addPending(popcount(ev))
	return nil
}

// DelEvent removes interest in ev without invoking any handler.
func (m *IOManager) DelEvent(fd int, ev poller.Event) {
	e := m.events.get(fd)
	e.mu.Lock()
	n := m.clearBits(e, ev)
	e.mu.Unlock()
	if n > 0 {
		m.events.addPending(-int64(n))
	}
}

// CancelEvent removes interest in ev and schedules its handler with an
// interrupted outcome — the canonical way to wake a fiber parked on this
// event from another fiber. A subsequent CancelEvent for the same bit is a
// no-op, since the sub-context is already cleared. The return value reports
// whether a handler was actually cancelled, letting a timeout-driven caller
// (the hook layer) distinguish "I won the race" from "readiness already
// resolved this wait" without an extra round trip.
func (m *IOManager) CancelEvent(fd int, ev poller.Event) bool {
	e := m.events.get(fd)
	e.mu.Lock()
	var fired []*eventSub
	if ev&poller.EventRead != 0 && e.read != nil {
		fired = append(fired, e.read)
	}
	if ev&poller.EventWrite != 0 && e.write != nil {
		fired = append(fired, e.write)
	}
	n := m.clearBits(e, ev)
	e.mu.Unlock()

	if n > 0 {
		m.events.addPending(-int64(n))
	}
	for _, s := range fired {
		s.fire(m, true)
	}
	return len(fired) > 0
}

// CancelAll schedules every pending handler for fd, read before write
// (matching the original's cancel_all ordering), then clears the
// descriptor's registration entirely. The hook layer's close path calls
// this before closing the underlying descriptor.
func (m *IOManager) CancelAll(fd int) {
	e := m.events.get(fd)
	e.mu.Lock()
	var fired []*eventSub
	if e.read != nil {
		fired = append(fired, e.read)
	}
	if e.write != nil {
		fired = append(fired, e.write)
	}
	n := m.clearBits(e, poller.EventRead|poller.EventWrite)
	e.mu.Unlock()

	if n > 0 {
		m.events.addPending(-int64(n))
	}
	for _, s := range fired {
		s.fire(m, true)
	}
}

// idleTick is the scheduler's IdleFunc: one iteration of the idle fiber's
// loop. Only the worker holding pollMu actually blocks in the poller;
// others wait briefly for a tickle so the kernel event loop itself has a
// single owner at a time, avoiding concurrent readers of one result buffer.
func (m *IOManager) idleTick(workerID int) (shouldStop bool) {
	if !m.pollMu.TryLock() {
		select {
		case <-m.wake:
		case <-time.After(10 * time.Millisecond):
		}
		return m.Scheduler.ShouldStop()
	}
	defer m.pollMu.Unlock()

	waitMs := m.maxWaitMs
	if deadline, ok := m.timers.NextDeadlineMs(); ok && deadline < waitMs {
		waitMs = deadline
	}

	n, err := m.poller.Wait(m.waitBuf, int(waitMs))
	if err != nil {
		m.log.Error("poller wait failed", rtlog.Fields{"error": err.Error()})
		return m.Scheduler.ShouldStop()
	}

	for i := 0; i < n; i++ {
		re := m.waitBuf[i]
		if re.Fd == m.wakeupFd {
			m.drainWakeupPipe()
			continue
		}
		m.dispatchReady(re.Fd, re.Events)
	}

	cbs := m.timers.DrainExpired(nil)
	for _, cb := range cbs {
		m.Scheduler.ScheduleCallback(cb)
	}

	return m.Scheduler.ShouldStop()
}

func (m *IOManager) dispatchReady(fd int, ready poller.Event) {
	e := m.events.get(fd)
	e.mu.Lock()
	real := ready & e.mask
	var fired []*eventSub
	if real&poller.EventRead != 0 && e.read != nil {
		fired = append(fired, e.read)
		e.read = nil
	}
	if real&poller.EventWrite != 0 && e.write != nil {
		fired = append(fired, e.write)
		e.write = nil
	}
	e.mask &^= real
	remaining := e.mask
	e.mu.Unlock()

	if len(fired) > 0 {
		m.events.addPending(-int64(len(fired)))
	}

	if remaining != 0 {
		if err := m.poller.Modify(fd, remaining); err != nil {
			m.log.Error("re-arm descriptor failed", rtlog.Fields{"fd": fd, "error": err.Error()})
		}
	} else {
		if err := m.poller.Remove(fd); err != nil {
			m.log.Error("remove descriptor from poller failed", rtlog.Fields{"fd": fd, "error": err.Error()})
		}
	}

	for _, s := range fired {
		s.fire(m, false)
	}
}

func (m *IOManager) drainWakeupPipe() {
	var buf [64]byte
	for {
		n, err := m.pipeR.Read(buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}
