package sched_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalrt/zero/fiber"
	"github.com/tidalrt/zero/sched"
)

func TestScheduleRunsOnSomeWorker(t *testing.T) {
	s := sched.New(2, false, "t1")
	s.Start()

	done := make(chan struct{})
	f := fiber.New(func(f *fiber.Fiber) error {
		close(done)
		return nil
	}, 0)
	s.Schedule(f)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
	s.Stop()
}

func TestScheduleBatchRunsAll(t *testing.T) {
	s := sched.New(3, false, "batch")
	s.Start()

	var n int32
	var fs []*fiber.Fiber
	for i := 0; i < 20; i++ {
		fs = append(fs, fiber.New(func(f *fiber.Fiber) error {
			atomic.AddInt32(&n, 1)
			return nil
		}, 0))
	}
	s.ScheduleBatch(fs)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) == 20 }, time.Second, time.Millisecond)
	s.Stop()
}

func TestYieldReadyKeepsRunning(t *testing.T) {
	s := sched.New(1, false, "yield")
	s.Start()

	var count int32
	done := make(chan struct{})
	f := fiber.New(func(f *fiber.Fiber) error {
		for i := 0; i < 5; i++ {
			atomic.AddInt32(&count, 1)
			f.YieldReady()
		}
		close(done)
		return nil
	}, 0)
	s.Schedule(f)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never completed its yield loop")
	}
	assert.EqualValues(t, 5, atomic.LoadInt32(&count))
	s.Stop()
}

func TestStopDrainsQueueAndLeavesNoActiveFiber(t *testing.T) {
	s := sched.New(2, false, "drain")
	s.Start()

	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		f := fiber.New(func(f *fiber.Fiber) error {
			wg.Done()
			return nil
		}, 0)
		s.Schedule(f)
	}
	wg.Wait()

	s.Stop()
	assert.Equal(t, 0, s.QueueLen())
	assert.EqualValues(t, 0, s.ActiveThreadCount())
}

func TestFiberPinnedToWorkerZeroRuns(t *testing.T) {
	s := sched.New(2, false, "pinned")
	s.Start()

	done := make(chan struct{})
	f := fiber.New(func(f *fiber.Fiber) error {
		close(done)
		return nil
	}, 0)
	s.Schedule(f, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pinned fiber never ran")
	}
	s.Stop()
}

func TestUseCallerDriverDispatchesOnStop(t *testing.T) {
	s := sched.New(1, true, "caller-only")
	s.Start()

	done := make(chan struct{})
	f := fiber.New(func(f *fiber.Fiber) error {
		close(done)
		return nil
	}, 0)
	s.Schedule(f)

	// No extra worker goroutines exist (threadCount=1, useCaller=true), so
	// the item only runs once the caller thread enters the loop via Stop.
	s.Stop()

	select {
	case <-done:
	default:
		t.Fatal("fiber should have run during Stop's caller-driven drain")
	}
}

func TestScheduleCallbackRunsInCallbackFiber(t *testing.T) {
	s := sched.New(2, false, "cb")
	s.Start()

	done := make(chan struct{})
	s.ScheduleCallback(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	s.Stop()
}
