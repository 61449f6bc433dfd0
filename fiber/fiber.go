// Package fiber implements the runtime's stackful, cooperatively scheduled
// unit of execution.
//
// Go gives every goroutine its own growable stack and already multiplexes
// goroutines M:N across OS threads, but it exposes no portable way to swap
// a goroutine's machine context the way ucontext/assembly trampolines do.
// This package resolves that the way the reference corpus resolves the same
// problem for its own fiber abstraction (a goroutine plus a pair of
// rendezvous channels, grounded on the teacher pack's
// pawscript.FiberHandle): a Fiber *is* a goroutine. Its Go stack is the
// private stack named by the data model; "resume" and "yield" are a
// handshake over two per-fiber channels rather than a register swap. Exactly
// one side of the handshake is ever runnable, which preserves the
// at-most-one-EXEC-at-a-time invariant even though the Go runtime is free to
// schedule the blocked goroutines however it likes underneath.
package fiber

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tidalrt/zero/internal/rtlog"
	"github.com/tidalrt/zero/rterr"
)

// State is a fiber's lifecycle state.
type State int32

const (
	// StateInit: created, not yet entered.
	StateInit State = iota
	// StateReady: re-queued after a voluntary yield.
	StateReady
	// StateExec: currently executing.
	StateExec
	// StateHold: suspended awaiting external resumption.
	StateHold
	// StateTerm: completed normally.
	StateTerm
	// StateExcept: completed via unhandled failure.
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a state from which a fiber never resumes.
func (s State) Terminal() bool { return s == StateTerm || s == StateExcept }

// Callback is a fiber's entry point. It receives the fiber itself, which
// stands in for the thread-local "current fiber" the original design reads
// implicitly — in idiomatic Go the caller is handed what it needs rather
// than reaching for ambient state.
type Callback func(f *Fiber) error

// Host is whatever enclosing scheduler a Fiber is bound to. It is the
// minimal surface IOManager/hook need to reschedule a parked fiber; defining
// it here (rather than importing the sched package) avoids a cycle between
// fiber and sched.
type Host interface {
	ScheduleFiber(f *Fiber)
}

var idCounter uint64

// Fiber is an independently schedulable unit of execution with its own
// stack (its own goroutine, in this rewrite).
type Fiber struct {
	id        uint64
	corrID    string
	stackSize uint64
	useCaller bool

	mu    sync.Mutex
	cb    Callback
	state int32 // State, accessed atomically

	scheduler Host

	hooksEnabled int32 // atomic bool

	toFiber  chan struct{}
	toCaller chan struct{}
	started  bool

	log *rtlog.Logger
}

// New creates a fiber with the given callback and stack size. The fiber
// begins in StateInit; its goroutine is not started until the first Resume.
func New(cb Callback, stackSize uint64) *Fiber {
	return newFiber(cb, stackSize, false)
}

// NewUseCaller creates a fiber that follows the caller-driven resume/yield
// pair: it is meant to be hosted by a single thread without a scheduler, or
// to represent the thread's own original execution (see Caller).
func NewUseCaller(cb Callback, stackSize uint64) *Fiber {
	return newFiber(cb, stackSize, true)
}

// maxStackSize bounds the bookkeeping stack_size value a caller may request.
// This rewrite backs every fiber with a goroutine rather than an mmap'd
// stack, so there is no allocation to fail here the way the original's
// mmap/malloc path can — but an absurdly large request is still almost
// certainly a caller bug, not a legitimate size, so it is still rejected as
// an invariant violation rather than silently accepted.
const maxStackSize = 1 << 30

func newFiber(cb Callback, stackSize uint64, useCaller bool) *Fiber {
	if stackSize == 0 {
		stackSize = 131072
	}
	if stackSize > maxStackSize {
		panic(rterr.NewInvariant(fmt.Sprintf("fiber stack_size %d exceeds sane bound %d", stackSize, maxStackSize)))
	}
	return &Fiber{
		id:        atomic.AddUint64(&idCounter, 1),
		corrID:    uuid.New().String(),
		stackSize: stackSize,
		useCaller: useCaller,
		cb:        cb,
		state:     int32(StateInit),
		toFiber:   make(chan struct{}),
		toCaller:  make(chan struct{}),
		log:       rtlog.Default(),
	}
}

// NewCaller builds the per-thread "caller" fiber: it represents a thread's
// own original execution and owns no stack of its own (it has no Callback
// and its goroutine body never starts). It exists purely as an identity —
// passed to hooked I/O calls made directly from a bootstrap thread or a
// use-caller scheduler thread — and as a place to hang HooksEnabled.
// A caller fiber must never be passed to Resume*/Yield*: there is no body
// goroutine on the other end of its channels to rendezvous with.
func NewCaller() *Fiber {
	f := newFiber(nil, 0, true)
	f.setState(StateExec)
	return f
}

// ID is the fiber's process-wide monotonic identifier.
func (f *Fiber) ID() uint64 { return f.id }

// CorrelationID is a UUID attached purely for cross-log correlation; the
// monotonic ID above remains the fiber's authoritative identity.
func (f *Fiber) CorrelationID() string { return f.corrID }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(atomic.LoadInt32(&f.state)) }

func (f *Fiber) setState(s State) { atomic.StoreInt32(&f.state, int32(s)) }

// Terminal reports whether the fiber has finished (TERM or EXCEPT).
func (f *Fiber) Terminal() bool { return f.State().Terminal() }

// SetScheduler binds (or rebinds) the fiber's enclosing scheduler. IOManager
// and hook call this implicitly through scheduler.Schedule; application code
// rarely needs it directly.
func (f *Fiber) SetScheduler(h Host) { f.scheduler = h }

// Scheduler returns the fiber's enclosing scheduler, or nil.
func (f *Fiber) Scheduler() Host { return f.scheduler }

// SetHooksEnabled toggles whether hooked blocking operations run their
// suspend/retry loop for this fiber, or fall straight through to the
// underlying syscall. New scheduler-hosted fibers default to enabled;
// caller-driven fibers created outside a scheduler default to disabled,
// mirroring the "bootstrap thread starts with hooks off" rule.
func (f *Fiber) SetHooksEnabled(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&f.hooksEnabled, v)
}

// HooksEnabled reports whether hooked I/O should suspend this fiber rather
// than block it outright.
func (f *Fiber) HooksEnabled() bool { return atomic.LoadInt32(&f.hooksEnabled) != 0 }

// Reset re-initializes a terminal (or never-started) fiber with a new
// callback, reusing its channels. The spec allows this for INIT/TERM/EXCEPT
// fibers whose stack — here, whose goroutine lifecycle — has not been
// permanently spent in some unrecoverable way.
func (f *Fiber) Reset(cb Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.State()
	if s != StateInit && !s.Terminal() {
		return rterr.NewInvariant(fmt.Sprintf("fiber %d: reset called while in state %s", f.id, s))
	}
	f.cb = cb
	f.started = false
	f.setState(StateInit)
	// fresh channels: the old goroutine (if any) has already exited after
	// sending its final handback, so there is nothing listening on the old
	// toFiber channel anymore.
	f.toFiber = make(chan struct{})
	f.toCaller = make(chan struct{})
	return nil
}

// body is the fiber's goroutine: it waits for its first resume, runs cb,
// converts a panic or error return into EXCEPT, and otherwise becomes TERM.
func (f *Fiber) body() {
	<-f.toFiber
	f.setState(StateExec)

	var cbErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)
				f.log.Error("fiber panicked", rtlog.Fields{
					"fiber_id": f.id,
					"corr_id":  f.corrID,
					"panic":    fmt.Sprint(r),
					"stack":    string(buf[:n]),
				})
				cbErr = rterr.New(rterr.CodeUnhandledInFiber, fmt.Sprintf("panic: %v", r))
			}
		}()
		cbErr = f.cb(f)
	}()

	if cbErr != nil {
		f.log.Error("fiber finished with error", rtlog.Fields{
			"fiber_id": f.id, "corr_id": f.corrID, "error": cbErr.Error(),
		})
		f.setState(StateExcept)
	} else if f.State() == StateExec {
		f.setState(StateTerm)
	}
	f.toCaller <- struct{}{}
}

// resume is shared by the scheduler-driven and caller-driven resume pairs:
// it starts the fiber's goroutine on first use, hands control to it, and
// blocks until the fiber yields or finishes.
func (f *Fiber) resume() {
	if f.Terminal() {
		return
	}
	f.mu.Lock()
	if !f.started {
		f.started = true
		go f.body()
	}
	f.mu.Unlock()

	f.toFiber <- struct{}{}
	<-f.toCaller
}

// ResumeFromScheduler is used by fibers that live inside a scheduler; the
// matching suspension call is YieldToScheduler (or the YieldReady/YieldHold
// helpers).
func (f *Fiber) ResumeFromScheduler() { f.resume() }

// ResumeFromCaller is used when a thread hosts a single fiber without a
// scheduler, or when a worker thread is also the use-caller thread.
func (f *Fiber) ResumeFromCaller() { f.resume() }

// yield is called from inside the fiber's own goroutine (i.e. from within
// its Callback, directly or via a hooked I/O call several frames down) to
// suspend execution and hand control back to whoever last called resume.
func (f *Fiber) yield(s State) {
	f.setState(s)
	f.toCaller <- struct{}{}
	<-f.toFiber
	f.setState(StateExec)
}

// YieldToScheduler suspends a scheduler-driven fiber, returning control to
// the worker's dispatch loop.
func (f *Fiber) YieldToScheduler(s State) { f.yield(s) }

// YieldToCaller suspends a caller-driven fiber, returning control to the
// hosting thread.
func (f *Fiber) YieldToCaller(s State) { f.yield(s) }

// YieldReady suspends the fiber in StateReady: the caller (almost always a
// scheduler's dispatch loop) is expected to re-enqueue it.
func (f *Fiber) YieldReady() { f.yield(StateReady) }

// YieldHold suspends the fiber in StateHold without any promise of
// re-enqueueing: the caller promises to resume it later, or it will be
// resumed by an I/O readiness event or a timer.
func (f *Fiber) YieldHold() { f.yield(StateHold) }

// ForceHold coerces a fiber that returned from resume in neither READY nor
// a terminal state into HOLD, per the dispatch loop's contract: the caller
// is now responsible for rescheduling it.
func (f *Fiber) ForceHold() {
	if !f.Terminal() {
		f.setState(StateHold)
	}
}
