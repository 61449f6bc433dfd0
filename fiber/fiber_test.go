package fiber_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalrt/zero/fiber"
)

func TestFiberRunsToTerm(t *testing.T) {
	var ran bool
	f := fiber.New(func(f *fiber.Fiber) error {
		ran = true
		return nil
	}, 0)

	require.Equal(t, fiber.StateInit, f.State())
	f.ResumeFromScheduler()
	assert.True(t, ran)
	assert.Equal(t, fiber.StateTerm, f.State())
	assert.True(t, f.Terminal())
}

func TestFiberExceptOnError(t *testing.T) {
	f := fiber.New(func(f *fiber.Fiber) error {
		return assert.AnError
	}, 0)
	f.ResumeFromScheduler()
	assert.Equal(t, fiber.StateExcept, f.State())
}

func TestFiberExceptOnPanic(t *testing.T) {
	f := fiber.New(func(f *fiber.Fiber) error {
		panic("boom")
	}, 0)
	f.ResumeFromScheduler()
	assert.Equal(t, fiber.StateExcept, f.State())
}

func TestFiberYieldReadyResumesAtYieldSite(t *testing.T) {
	var steps []string
	f := fiber.New(func(f *fiber.Fiber) error {
		steps = append(steps, "before")
		f.YieldReady()
		steps = append(steps, "after")
		return nil
	}, 0)

	f.ResumeFromScheduler()
	assert.Equal(t, fiber.StateReady, f.State())
	assert.Equal(t, []string{"before"}, steps)

	f.ResumeFromScheduler()
	assert.Equal(t, fiber.StateTerm, f.State())
	assert.Equal(t, []string{"before", "after"}, steps)
}

func TestFiberYieldHoldThenExternalResume(t *testing.T) {
	done := make(chan struct{})
	f := fiber.New(func(f *fiber.Fiber) error {
		f.YieldHold()
		close(done)
		return nil
	}, 0)

	f.ResumeFromScheduler()
	assert.Equal(t, fiber.StateHold, f.State())

	go f.ResumeFromScheduler()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never resumed from HOLD")
	}
}

func TestFiberResetAfterTerminal(t *testing.T) {
	f := fiber.New(func(f *fiber.Fiber) error { return nil }, 0)
	f.ResumeFromScheduler()
	require.True(t, f.Terminal())

	var secondRan bool
	require.NoError(t, f.Reset(func(f *fiber.Fiber) error {
		secondRan = true
		return nil
	}))
	assert.Equal(t, fiber.StateInit, f.State())

	f.ResumeFromScheduler()
	assert.True(t, secondRan)
	assert.Equal(t, fiber.StateTerm, f.State())
}

func TestFiberResetWhileRunningIsInvariantViolation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := fiber.New(func(f *fiber.Fiber) error {
		close(started)
		<-release
		return nil
	}, 0)

	go f.ResumeFromScheduler()
	<-started

	err := f.Reset(func(f *fiber.Fiber) error { return nil })
	assert.Error(t, err)

	close(release)
}

func TestHooksEnabledDefaultsOff(t *testing.T) {
	f := fiber.New(func(f *fiber.Fiber) error { return nil }, 0)
	assert.False(t, f.HooksEnabled())
	f.SetHooksEnabled(true)
	assert.True(t, f.HooksEnabled())
}

func TestCallerFiberIsStaticIdentity(t *testing.T) {
	c := fiber.NewCaller()
	assert.Equal(t, fiber.StateExec, c.State())
	assert.False(t, c.HooksEnabled())
}

func TestAbsurdStackSizeIsInvariantViolation(t *testing.T) {
	assert.Panics(t, func() {
		fiber.New(func(f *fiber.Fiber) error { return nil }, 1<<40)
	})
}
