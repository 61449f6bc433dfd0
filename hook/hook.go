// Package hook implements the transparent blocking adapter: a generic
// "do_io" retry loop that turns a would-block descriptor operation into a
// suspend-on-readiness-or-timeout cycle, plus the Read/Write/Connect/
// Accept/Sleep/Close façade functions built on top of it. Each function
// takes the calling fiber explicitly, standing in for the thread-local
// "current fiber"/"hooks enabled" flag the source reads implicitly.
package hook

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tidalrt/zero/config"
	"github.com/tidalrt/zero/fiber"
	"github.com/tidalrt/zero/internal/poller"
	"github.com/tidalrt/zero/internal/rtlog"
	"github.com/tidalrt/zero/ioruntime"
	"github.com/tidalrt/zero/rterr"
)

// TimeoutKind selects which of a descriptor's two configured timeouts an
// operation should honor.
type TimeoutKind int

const (
	TimeoutRecv TimeoutKind = iota
	TimeoutSend
)

// Adapter owns the fd metadata table and the IOManager it parks fibers on.
// One Adapter is normally shared process-wide, mirroring the "descriptor
// metadata registry is process-global" note in §9 (here an explicit value
// rather than an ambient singleton).
type Adapter struct {
	iom *ioruntime.IOManager
	fds *fdTable
	log *rtlog.Logger

	connectTimeoutMs int64 // atomic
}

// New builds an Adapter bound to iom, reading the initial connect timeout
// from cfg and tracking live updates via cfg.OnChange.
func New(iom *ioruntime.IOManager, cfg config.Registry) *Adapter {
	a := &Adapter{iom: iom, fds: newFdTable(), log: rtlog.Default()}
	atomic.StoreInt64(&a.connectTimeoutMs, cfg.GetDuration(config.KeyTCPConnectTimeout))
	cfg.OnChange(config.KeyTCPConnectTimeout, func() {
		atomic.StoreInt64(&a.connectTimeoutMs, cfg.GetDuration(config.KeyTCPConnectTimeout))
	})
	return a
}

func (a *Adapter) connectTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&a.connectTimeoutMs)) * time.Millisecond
}

// RegisterSocket switches fd into kernel non-blocking mode and records it as
// a hooked socket starting in "system non-block, user non-block false".
func (a *Adapter) RegisterSocket(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return rterr.Wrap(rterr.CodeBadDescriptor, fmt.Sprintf("set non-blocking on fd %d", fd), err)
	}
	a.fds.registerSocket(fd)
	return nil
}

// SetUserNonblock records that the caller explicitly asked for non-blocking
// behavior on fd (socket option interception): do_io then steps aside and
// lets the raw syscall surface EAGAIN directly, as real non-blocking code
// expects.
func (a *Adapter) SetUserNonblock(fd int, on bool) { a.fds.setUserNonBlock(fd, on) }

// SetRecvTimeout and SetSendTimeout update descriptor metadata rather than
// the kernel socket, so do_io observes them without a real setsockopt call.
func (a *Adapter) SetRecvTimeout(fd int, d time.Duration) {
	a.fds.setRecvTimeoutMs(fd, int64(d/time.Millisecond))
}

func (a *Adapter) SetSendTimeout(fd int, d time.Duration) {
	a.fds.setSendTimeoutMs(fd, int64(d/time.Millisecond))
}

// Close cancels every pending event on fd (triggering parked handlers with
// an interrupted outcome) before clearing metadata and closing the
// underlying descriptor, per the chosen close-ordering contract in §9.
func (a *Adapter) Close(fd int) error {
	a.iom.CancelAll(fd)
	a.fds.clear(fd)
	return unix.Close(fd)
}

// cancelState is the small "cancel state" witness object a do_io timeout
// attaches to its conditional timer: Alive reports whether this particular
// wait attempt is still the live one, so a timer that fires after the
// attempt already resolved via readiness has no effect once it discovers
// CancelEvent found nothing left to cancel. timedOut is set only when this
// wait's own timer is the one that actually tore down the registration,
// which is how a self-inflicted timeout is told apart from another fiber's
// explicit cancel_event call on the same bit.
type cancelState struct {
	mu       sync.Mutex
	resolved bool
	timedOut bool
}

func (s *cancelState) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.resolved
}

func (s *cancelState) resolve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = true
}

func (s *cancelState) setTimedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timedOut = true
}

func (s *cancelState) didTimeOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// waitOutcome records why the registered handler fired: true if it fired
// via CancelEvent/CancelAll (a timeout or an external cancel), false if it
// fired via genuine readiness.
type waitOutcome struct {
	mu        sync.Mutex
	cancelled bool
}

func (o *waitOutcome) set(cancelled bool) {
	o.mu.Lock()
	o.cancelled = cancelled
	o.mu.Unlock()
}

func (o *waitOutcome) get() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// opFunc attempts one non-blocking syscall, reporting n (a byte count or a
// new descriptor, operation-dependent) and the raw error.
type opFunc func() (int, error)

// doIO is the generic "do_io" adapter (§4.5): a direct call when hooks are
// off or the descriptor isn't a hooked socket, otherwise a
// try/register/suspend/retry loop bounded by the descriptor's configured
// timeout for timeoutKind.
func (a *Adapter) doIO(f *fiber.Fiber, fd int, ev poller.Event, timeoutKind TimeoutKind, op opFunc) (int, error) {
	md, ok := a.fds.lookup(fd)
	if f == nil || !f.HooksEnabled() || !ok || !md.isSocket || md.userNonBlock {
		return op()
	}

	timeoutMs := a.fds.timeoutFor(fd, timeoutKind)

	for {
		n, err := op()
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		state := &cancelState{}
		outcome := &waitOutcome{}
		var th interface{ Cancel() }
		if timeoutMs > 0 {
			th = a.iom.Timers().AddConditionalTimer(time.Duration(timeoutMs)*time.Millisecond, func() {
				if a.iom.CancelEvent(fd, ev) {
					state.setTimedOut()
				}
			}, state, false)
		}

		cb := func(cancelled bool) {
			outcome.set(cancelled)
			a.iom.ScheduleFiber(f)
		}
		if addErr := a.iom.AddEvent(fd, ev, nil, cb); addErr != nil {
			if th != nil {
				th.Cancel()
			}
			return 0, addErr
		}

		f.YieldHold()
		state.resolve()
		if th != nil {
			th.Cancel()
		}

		switch {
		case state.didTimeOut():
			return 0, rterr.New(rterr.CodeWouldBlockTimeout, "operation timed out")
		case outcome.get():
			return 0, rterr.New(rterr.CodeOperationInterrupted, "operation interrupted by cancel_event")
		}
		// genuine readiness: retry the syscall from the top.
	}
}
