//go:build linux

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	fd  int
	mu  sync.Mutex
	buf []unix.EpollEvent
}

// New builds the Linux epoll backend.
func New() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{fd: fd, buf: make([]unix.EpollEvent, 256)}, nil
}

func toEpollMask(ev Event) uint32 {
	m := uint32(unix.EPOLLET)
	if ev&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epollPoller) Add(fd int, ev Event) error {
	e := unix.EpollEvent{Events: toEpollMask(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &e)
}

func (p *epollPoller) Modify(fd int, ev Event) error {
	e := unix.EpollEvent{Events: toEpollMask(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &e)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(out []ReadyEvent, timeoutMs int) (int, error) {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()

	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.fd, buf, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return 0, err
	}

	cnt := 0
	for i := 0; i < n && cnt < len(out); i++ {
		var ev Event
		if buf[i].Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= EventRead
		}
		if buf[i].Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= EventWrite
		}
		out[cnt] = ReadyEvent{Fd: int(buf[i].Fd), Events: ev}
		cnt++
	}
	return cnt, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
