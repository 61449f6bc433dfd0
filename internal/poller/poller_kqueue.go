//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	fd  int
	mu  sync.Mutex
	buf []unix.Kevent_t

	regMu      sync.Mutex
	registered map[int]Event
}

// New builds the kqueue backend used on darwin and the BSDs.
func New() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{
		fd:         fd,
		buf:        make([]unix.Kevent_t, 256),
		registered: make(map[int]Event),
	}, nil
}

func mkKevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
}

func (p *kqueuePoller) applyDiff(fd int, want Event) error {
	p.regMu.Lock()
	have := p.registered[fd]
	p.regMu.Unlock()

	var changes []unix.Kevent_t
	if want&EventRead != 0 && have&EventRead == 0 {
		changes = append(changes, mkKevent(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR))
	} else if want&EventRead == 0 && have&EventRead != 0 {
		changes = append(changes, mkKevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if want&EventWrite != 0 && have&EventWrite == 0 {
		changes = append(changes, mkKevent(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR))
	} else if want&EventWrite == 0 && have&EventWrite != 0 {
		changes = append(changes, mkKevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}

	if len(changes) > 0 {
		if _, err := unix.Kevent(p.fd, changes, nil, nil); err != nil {
			return err
		}
	}

	p.regMu.Lock()
	if want == 0 {
		delete(p.registered, fd)
	} else {
		p.registered[fd] = want
	}
	p.regMu.Unlock()
	return nil
}

func (p *kqueuePoller) Add(fd int, ev Event) error    { return p.applyDiff(fd, ev) }
func (p *kqueuePoller) Modify(fd int, ev Event) error { return p.applyDiff(fd, ev) }
func (p *kqueuePoller) Remove(fd int) error           { return p.applyDiff(fd, 0) }

func (p *kqueuePoller) Wait(out []ReadyEvent, timeoutMs int) (int, error) {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
		ts = &t
	}

	var n int
	var err error
	for {
		n, err = unix.Kevent(p.fd, nil, buf, ts)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return 0, err
	}

	merged := make(map[int]Event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd := int(buf[i].Ident)
		var ev Event
		switch buf[i].Filter {
		case unix.EVFILT_READ:
			ev = EventRead
		case unix.EVFILT_WRITE:
			ev = EventWrite
		}
		if _, seen := merged[fd]; !seen {
			order = append(order, fd)
		}
		merged[fd] |= ev
	}

	cnt := 0
	for _, fd := range order {
		if cnt >= len(out) {
			break
		}
		out[cnt] = ReadyEvent{Fd: fd, Events: merged[fd]}
		cnt++
	}
	return cnt, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.fd)
}
