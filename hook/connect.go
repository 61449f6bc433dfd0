package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/tidalrt/zero/fiber"
	"github.com/tidalrt/zero/internal/poller"
	"github.com/tidalrt/zero/rterr"
)

// Read performs a hooked read: non-blocking attempt, suspend-on-would-block,
// retry, bounded by the descriptor's configured receive timeout.
func (a *Adapter) Read(f *fiber.Fiber, fd int, buf []byte) (int, error) {
	return a.doIO(f, fd, poller.EventRead, TimeoutRecv, func() (int, error) {
		n, err := unix.Read(fd, buf)
		return n, err
	})
}

// Write performs a hooked write, bounded by the descriptor's configured
// send timeout.
func (a *Adapter) Write(f *fiber.Fiber, fd int, buf []byte) (int, error) {
	return a.doIO(f, fd, poller.EventWrite, TimeoutSend, func() (int, error) {
		n, err := unix.Write(fd, buf)
		return n, err
	})
}

// Accept performs a hooked accept. The returned descriptor inherits
// "system non-block"/"is socket" metadata from the listening socket
// eagerly, before being handed back (SPEC_FULL §C.6), rather than lazily on
// first touch.
func (a *Adapter) Accept(f *fiber.Fiber, listenFd int) (int, error) {
	parent, _ := a.fds.lookup(listenFd)
	connFd, err := a.doIO(f, listenFd, poller.EventRead, TimeoutRecv, func() (int, error) {
		nfd, _, acceptErr := unix.Accept(listenFd)
		return nfd, acceptErr
	})
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(connFd, true); err != nil {
		_ = unix.Close(connFd)
		return -1, rterr.Wrap(rterr.CodeBadDescriptor, "set non-blocking on accepted connection", err)
	}
	a.fds.inheritSocket(connFd, parent)
	return connFd, nil
}

// Connect performs a hooked non-blocking connect. An immediate zero return
// means connected; EINPROGRESS registers write readiness (with the
// registry-configured connect timeout) and yields, followed by an SO_ERROR
// check to distinguish a successful connect from a failed one.
func (a *Adapter) Connect(f *fiber.Fiber, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	md, ok := a.fds.lookup(fd)
	if f == nil || !f.HooksEnabled() || !ok || !md.isSocket || md.userNonBlock {
		return err
	}

	timeoutMs := int64(a.connectTimeout() / time.Millisecond)

	state := &cancelState{}
	outcome := &waitOutcome{}
	var th interface{ Cancel() }
	if timeoutMs > 0 {
		th = a.iom.Timers().AddConditionalTimer(time.Duration(timeoutMs)*time.Millisecond, func() {
			if a.iom.CancelEvent(fd, poller.EventWrite) {
				state.setTimedOut()
			}
		}, state, false)
	}

	cb := func(cancelled bool) {
		outcome.set(cancelled)
		a.iom.ScheduleFiber(f)
	}
	if addErr := a.iom.AddEvent(fd, poller.EventWrite, nil, cb); addErr != nil {
		if th != nil {
			th.Cancel()
		}
		return addErr
	}

	f.YieldHold()
	state.resolve()
	if th != nil {
		th.Cancel()
	}

	if state.didTimeOut() {
		return rterr.New(rterr.CodeWouldBlockTimeout, "connect timed out")
	}
	if outcome.get() {
		return rterr.New(rterr.CodeOperationInterrupted, "connect interrupted by cancel_event")
	}

	soErr, getErr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if getErr != nil {
		return getErr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Sleep replaces a blocking sleep with a one-shot timer that re-schedules
// the current fiber, then yields HOLD until the timer fires.
func (a *Adapter) Sleep(f *fiber.Fiber, d time.Duration) {
	a.iom.Timers().AddTimer(d, func() { a.iom.ScheduleFiber(f) }, false)
	f.YieldHold()
}
