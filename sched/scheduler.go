// Package sched implements the M:N scheduler: a global runnable queue,
// worker goroutines standing in for the spec's worker threads, per-fiber
// thread affinity, and an idle fiber that runs when a worker has nothing
// else to do. IOManager embeds a *Scheduler and overrides Idle/Tickle to
// integrate an event demultiplexer and a timer manager.
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidalrt/zero/fiber"
	"github.com/tidalrt/zero/internal/rtlog"
	"github.com/tidalrt/zero/rterr"
)

// IdleFunc runs one "tick" of a worker's idle loop and reports whether the
// scheduler's stop condition has been reached (in which case the idle fiber
// exits and the worker re-checks Stop()). The default polls the wake
// channel with a short timeout; IOManager supplies one that blocks on the
// event demultiplexer instead.
type IdleFunc func(workerID int) (shouldStop bool)

// Scheduler maintains the runnable-item queue, binds worker goroutines, and
// runs the dispatch loop described in the design's §4.2.
type Scheduler struct {
	name        string
	threadCount int
	useCaller   bool

	mu sync.Mutex
	q  queue

	stopRequested int32
	started       int32
	active        int32
	idle          int32

	wg     sync.WaitGroup
	notify chan struct{}

	idleFn   IdleFunc
	tickleFn func()
	// stopExtra lets a subclass-in-spirit (IOManager) add conditions to the
	// stop predicate — e.g. "no pending events, no non-recurring timers".
	stopExtra func() bool

	cbMu   sync.Mutex
	cbFree []*fiber.Fiber

	log *rtlog.Logger
}

// New creates a scheduler with threadCount worker threads. If useCaller is
// true, the creating goroutine participates as worker 0 (on demand, inside
// Stop) and only threadCount-1 extra worker goroutines are spawned.
func New(threadCount int, useCaller bool, name string) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	s := &Scheduler{
		name:        name,
		threadCount: threadCount,
		useCaller:   useCaller,
		notify:      make(chan struct{}, 1),
		stopExtra:   func() bool { return true },
		log:         rtlog.Default(),
	}
	s.tickleFn = s.defaultTickle
	s.idleFn = s.defaultIdle
	return s
}

// Name returns the scheduler's human-readable name, used only in log lines.
func (s *Scheduler) Name() string { return s.name }

// SetIdleFunc overrides the per-worker idle loop body. Must be called
// before Start.
func (s *Scheduler) SetIdleFunc(fn IdleFunc) { s.idleFn = fn }

// SetTickleFunc overrides how Tickle wakes idle workers. Must be called
// before Start.
func (s *Scheduler) SetTickleFunc(fn func()) { s.tickleFn = fn }

// SetStopExtra adds an extra predicate that must also hold for Stop to
// consider the scheduler drained.
func (s *Scheduler) SetStopExtra(fn func() bool) { s.stopExtra = fn }

func (s *Scheduler) defaultTickle() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) defaultIdle(workerID int) bool {
	select {
	case <-s.notify:
	case <-time.After(50 * time.Millisecond):
	}
	return s.shouldStop()
}

// Start spawns threadCount-(useCaller?1:0) worker goroutines, each running
// the dispatch loop.
func (s *Scheduler) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}
	begin := 0
	if s.useCaller {
		begin = 1
	}
	s.wg.Add(s.threadCount - begin)
	for id := begin; id < s.threadCount; id++ {
		go s.runWorker(id, false)
	}
	s.log.Debug("scheduler started", rtlog.Fields{"name": s.name, "threads": s.threadCount})
}

// Stop requests termination; it returns once the queue has drained and no
// worker holds a fiber in EXEC. In use-caller mode the creating goroutine
// must call Stop itself — that call is what drives worker 0's dispatch loop.
func (s *Scheduler) Stop() {
	if atomic.LoadInt32(&s.started) == 0 {
		panic(rterr.NewInvariant(fmt.Sprintf("scheduler %q: Stop called before Start", s.name)))
	}
	atomic.StoreInt32(&s.stopRequested, 1)
	s.Tickle()
	if s.useCaller {
		s.runWorker(0, true)
	}
	s.wg.Wait()
	s.log.Debug("scheduler stopped", rtlog.Fields{"name": s.name})
}

// Tickle wakes idle workers so they re-evaluate the queue/stop predicate.
func (s *Scheduler) Tickle() { s.tickleFn() }

// ActiveThreadCount returns the number of workers currently running user
// work (a fiber or callback resumed, not idling).
func (s *Scheduler) ActiveThreadCount() int32 { return atomic.LoadInt32(&s.active) }

// IdleThreadCount returns the number of workers currently parked in the
// idle fiber.
func (s *Scheduler) IdleThreadCount() int32 { return atomic.LoadInt32(&s.idle) }

func (s *Scheduler) queueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.empty()
}

// QueueLen reports the number of runnable items currently queued.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.len()
}

func (s *Scheduler) shouldStop() bool {
	return atomic.LoadInt32(&s.stopRequested) != 0 &&
		s.queueEmpty() &&
		atomic.LoadInt32(&s.active) == 0 &&
		s.stopExtra()
}

// ShouldStop exposes the termination predicate so an embedding type (e.g.
// IOManager's idle loop) can decide when to stop waiting on its own
// resources without reaching into unexported scheduler state.
func (s *Scheduler) ShouldStop() bool { return s.shouldStop() }

func (s *Scheduler) enqueue(it item) {
	s.mu.Lock()
	s.q.push(it)
	s.mu.Unlock()
	s.Tickle()
}

func (s *Scheduler) pop(workerID int) (item, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.popFor(workerID)
}

// Schedule enqueues a fiber, optionally pinned to a specific worker id.
// thread defaults to -1 ("any worker"). Scheduling binds the fiber to this
// scheduler and enables its hooked-I/O suspend/retry behavior, matching the
// "hooks default on inside scheduler workers" rule.
func (s *Scheduler) Schedule(f *fiber.Fiber, thread ...int) {
	t := -1
	if len(thread) > 0 {
		t = thread[0]
	}
	f.SetScheduler(s)
	f.SetHooksEnabled(true)
	s.enqueue(fiberItem(f, t))
}

// ScheduleFiber implements fiber.Host, always pinning to "any worker".
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber) { s.Schedule(f) }

// ScheduleCallback enqueues a plain callback to be hosted by a reusable
// callback fiber.
func (s *Scheduler) ScheduleCallback(cb func(), thread ...int) {
	t := -1
	if len(thread) > 0 {
		t = thread[0]
	}
	s.enqueue(callbackItem(cb, t))
}

// ScheduleBatch enqueues many fibers at once, each pinned to "any worker".
func (s *Scheduler) ScheduleBatch(fs []*fiber.Fiber) {
	for _, f := range fs {
		s.Schedule(f)
	}
}

func (s *Scheduler) getCallbackFiber(cb func()) *fiber.Fiber {
	wrapped := func(_ *fiber.Fiber) error {
		cb()
		return nil
	}

	s.cbMu.Lock()
	var f *fiber.Fiber
	if n := len(s.cbFree); n > 0 {
		f = s.cbFree[n-1]
		s.cbFree = s.cbFree[:n-1]
	}
	s.cbMu.Unlock()

	if f == nil {
		f = fiber.New(wrapped, 0)
		f.SetScheduler(s)
		f.SetHooksEnabled(true)
		return f
	}
	_ = f.Reset(wrapped)
	return f
}

func (s *Scheduler) putCallbackFiber(f *fiber.Fiber) {
	if !f.Terminal() {
		return
	}
	s.cbMu.Lock()
	s.cbFree = append(s.cbFree, f)
	s.cbMu.Unlock()
}

func (s *Scheduler) runItem(it item) {
	if it.f != nil {
		if it.f.Terminal() {
			return
		}
		it.f.ResumeFromScheduler()
		switch it.f.State() {
		case fiber.StateReady:
			s.enqueue(fiberItem(it.f, it.thread))
		case fiber.StateTerm, fiber.StateExcept:
			// done, drop.
		default:
			it.f.ForceHold()
		}
		return
	}
	if it.cb != nil {
		cf := s.getCallbackFiber(it.cb)
		cf.ResumeFromScheduler()
		s.putCallbackFiber(cf)
	}
}

// runWorker is the per-worker dispatch loop. isCallerThread is true only
// for the single invocation driven by Stop() in use-caller mode.
func (s *Scheduler) runWorker(workerID int, isCallerThread bool) {
	if !isCallerThread {
		defer s.wg.Done()
	}

	idleFiber := fiber.New(func(f *fiber.Fiber) error {
		for {
			if s.idleFn(workerID) {
				return nil
			}
			f.YieldReady()
		}
	}, 0)
	idleFiber.SetScheduler(s)

	for {
		it, ok, skipped := s.pop(workerID)
		if skipped {
			s.Tickle()
		}
		if ok {
			atomic.AddInt32(&s.active, 1)
			s.runItem(it)
			atomic.AddInt32(&s.active, -1)
			continue
		}
		if s.shouldStop() {
			return
		}
		atomic.AddInt32(&s.idle, 1)
		idleFiber.ResumeFromScheduler()
		atomic.AddInt32(&s.idle, -1)
	}
}
