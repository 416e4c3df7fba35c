package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"msr/pkg/clock"
	msrerrors "msr/pkg/errors"
)

func waitForCancel(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisor_SpawnCompletes(t *testing.T) {
	s := NewSupervisor("test")

	h, err := s.Spawn("work", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)

	require.NoError(t, s.Join(context.Background(), h.ID))
	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, 0, s.Active())

	// Joined tasks are forgotten.
	assert.ErrorIs(t, s.Join(context.Background(), h.ID), ErrUnknownTask)
}

func TestSupervisor_FailedTask(t *testing.T) {
	s := NewSupervisor("test")
	boom := errors.New("sensor offline")

	h, err := s.Spawn("sample", func(ctx context.Context) error { return boom })
	require.NoError(t, err)

	err = s.Join(context.Background(), h.ID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, h.State())
}

func TestSupervisor_PanicBecomesFailure(t *testing.T) {
	s := NewSupervisor("test")

	h, err := s.Spawn("panic", func(ctx context.Context) error { panic("bad") })
	require.NoError(t, err)

	err = s.Join(context.Background(), h.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, StateFailed, h.State())
}

func TestSupervisor_CancelThenJoin(t *testing.T) {
	s := NewSupervisor("test")

	started := make(chan struct{})
	h, err := s.Spawn("watch", func(ctx context.Context) error {
		close(started)
		return waitForCancel(ctx)
	})
	require.NoError(t, err)
	<-started
	assert.Equal(t, StateRunning, h.State())

	assert.True(t, s.Cancel(h.ID))

	err = s.Join(context.Background(), h.ID)
	assert.ErrorIs(t, err, msrerrors.ErrTaskCancelled)
	assert.Equal(t, StateCancelled, h.State())
	assert.False(t, s.Cancel(h.ID))
}

func TestSupervisor_JoinTimeoutLeavesTaskRunning(t *testing.T) {
	s := NewSupervisor("test")
	h, err := s.Spawn("watch", waitForCancel)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Join(ctx, h.ID), context.DeadlineExceeded)
	assert.False(t, h.State().Terminal())

	s.Cancel(h.ID)
	assert.ErrorIs(t, s.Join(context.Background(), h.ID), msrerrors.ErrTaskCancelled)
}

func TestSupervisor_ListActive(t *testing.T) {
	mock := clock.NewMockClock(time.Unix(1000, 0))
	s := NewSupervisor("test", WithClock(mock))

	a, err := s.SpawnWithID("a", "first", waitForCancel)
	require.NoError(t, err)
	mock.Advance(time.Second)
	_, err = s.SpawnWithID("b", "second", waitForCancel)
	require.NoError(t, err)

	active := s.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)
	assert.Equal(t, time.Second, active[0].Age)

	s.Cancel(a.ID)
	require.ErrorIs(t, s.Join(context.Background(), a.ID), msrerrors.ErrTaskCancelled)
	assert.Len(t, s.ListActive(), 1)

	s.CancelAll()
	assert.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_DuplicateIDAndLimit(t *testing.T) {
	s := NewSupervisor("test", WithMaxTasks(1))
	defer s.CancelAll()

	_, err := s.SpawnWithID("x", "one", waitForCancel)
	require.NoError(t, err)

	_, err = s.SpawnWithID("y", "two", waitForCancel)
	assert.ErrorIs(t, err, msrerrors.ErrRequestRejected)

	_, err = s.SpawnWithID("x", "dup", waitForCancel)
	assert.Error(t, err)
}

func TestSupervisor_ShutdownCooperativeTasks(t *testing.T) {
	s := NewSupervisor("test")

	var cancelled atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := s.Spawn("coop", func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Add(1)
			return ctx.Err()
		})
		require.NoError(t, err)
	}

	abandoned := s.Shutdown()
	assert.Empty(t, abandoned)
	assert.Equal(t, int32(5), cancelled.Load())
	assert.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, 5*time.Millisecond)

	_, err := s.Spawn("late", waitForCancel)
	assert.ErrorIs(t, err, ErrSupervisorShutdown)
	assert.ErrorIs(t, err, msrerrors.ErrRequestRejected)
}

func TestSupervisor_ShutdownAbandonsAfterGrace(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mock := clock.NewMockClock(time.Unix(0, 0))
	s := NewSupervisor("threshold",
		WithLogger(zap.New(core)),
		WithClock(mock),
		WithLeakThreshold(1),
	)

	release := make(chan struct{})
	stubborn, err := s.Spawn("stubborn", func(ctx context.Context) error {
		<-release // ignores cancellation
		return nil
	})
	require.NoError(t, err)
	_, err = s.Spawn("polite", waitForCancel)
	require.NoError(t, err)

	result := make(chan []Info, 1)
	go func() { result <- s.Shutdown() }()

	// Wait until Shutdown is parked on the grace timer, then let it expire.
	require.Eventually(t, func() bool { return mock.Pending() == 1 }, time.Second, time.Millisecond)
	mock.Advance(DefaultShutdownGrace - time.Millisecond)
	select {
	case <-result:
		t.Fatal("shutdown returned before the grace period elapsed")
	case <-time.After(20 * time.Millisecond):
	}
	mock.Advance(time.Millisecond)

	var abandoned []Info
	select {
	case abandoned = <-result:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after the grace period")
	}

	require.Len(t, abandoned, 1)
	assert.Equal(t, stubborn.ID, abandoned[0].ID)
	assert.True(t, stubborn.Abandoned())
	assert.Equal(t, 1, s.Abandoned())

	assert.Equal(t, 1, logs.FilterMessageSnippet("abandoning").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("Supervisory alert").Len())

	// The abandoned task still resolves on its own.
	close(release)
	require.NoError(t, stubborn.Wait(context.Background()))
	assert.Equal(t, StateCompleted, stubborn.State())
}

func TestSupervisor_NoAlertBelowThreshold(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewSupervisor("test",
		WithLogger(zap.New(core)),
		WithShutdownGrace(10*time.Millisecond),
		WithLeakThreshold(3),
	)

	release := make(chan struct{})
	defer close(release)
	_, err := s.Spawn("stubborn", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, s.Shutdown(), 1)
	assert.Equal(t, 0, logs.FilterMessageSnippet("Supervisory alert").Len())
}

func TestSupervisor_ExitCallback(t *testing.T) {
	exited := make(chan *Handle, 1)
	s := NewSupervisor("test", WithExitCallback(func(h *Handle) { exited <- h }))

	h, err := s.Spawn("short", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	select {
	case got := <-exited:
		assert.Equal(t, h.ID, got.ID)
		assert.Equal(t, StateCompleted, got.State())
	case <-time.After(time.Second):
		t.Fatal("exit callback not called")
	}
}
