package ioruntime_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tidalrt/zero/internal/poller"
	"github.com/tidalrt/zero/ioruntime"
	"github.com/tidalrt/zero/rterr"
)

func TestAddEventAlreadyRegisteredFails(t *testing.T) {
	m, err := ioruntime.New(1, false, "evt")
	require.NoError(t, err)
	m.Start()
	defer func() { m.Stop(); m.Close() }()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	require.NoError(t, m.AddEvent(fd, poller.EventRead, nil, func(_ bool) {}))
	err = m.AddEvent(fd, poller.EventRead, nil, func(_ bool) {})
	require.Error(t, err)
	assert.True(t, rterr.Is(err, rterr.CodeAlreadyRegistered))

	m.CancelEvent(fd, poller.EventRead)
}

func TestCancelEventFiresHandlerExactlyOnce(t *testing.T) {
	m, err := ioruntime.New(1, false, "cancel")
	require.NoError(t, err)
	m.Start()
	defer func() { m.Stop(); m.Close() }()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	fired := make(chan struct{}, 2)
	require.NoError(t, m.AddEvent(fd, poller.EventRead, nil, func(_ bool) { fired <- struct{}{} }))
	assert.EqualValues(t, 1, m.PendingEvents())

	m.CancelEvent(fd, poller.EventRead)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("cancelled handler never fired")
	}
	assert.EqualValues(t, 0, m.PendingEvents())

	// a second cancel for the same, now-absent bit is a no-op.
	m.CancelEvent(fd, poller.EventRead)
	select {
	case <-fired:
		t.Fatal("handler fired a second time")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReadinessWakesRegisteredCallback(t *testing.T) {
	m, err := ioruntime.New(2, false, "ready")
	require.NoError(t, err)
	m.Start()
	defer func() { m.Stop(); m.Close() }()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	fired := make(chan struct{})
	require.NoError(t, m.AddEvent(fd, poller.EventRead, nil, func(_ bool) { close(fired) }))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("readiness never woke the registered callback")
	}
	assert.EqualValues(t, 0, m.PendingEvents())
}

func TestCancelAllOrdersReadBeforeWrite(t *testing.T) {
	m, err := ioruntime.New(1, false, "order")
	require.NoError(t, err)
	m.Start()
	defer func() { m.Stop(); m.Close() }()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	fd := fds[0]

	var order []string
	done := make(chan struct{})
	require.NoError(t, m.AddEvent(fd, poller.EventRead, nil, func(_ bool) { order = append(order, "read") }))
	require.NoError(t, m.AddEvent(fd, poller.EventWrite, nil, func(_ bool) {
		order = append(order, "write")
		close(done)
	}))

	m.CancelAll(fd)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel-all never fired")
	}
	require.Len(t, order, 2)
	assert.Equal(t, []string{"read", "write"}, order)
	assert.EqualValues(t, 0, m.PendingEvents())
}
