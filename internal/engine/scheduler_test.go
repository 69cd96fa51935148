package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateFunc func(caller string) bool

func (f gateFunc) ShouldResume(caller string) bool { return f(caller) }

func TestSchedulerRunsInOrder(t *testing.T) {
	s := NewScheduler(nil)
	var (
		mu  sync.Mutex
		got []string
	)
	for _, name := range []string{"a", "b", "c"} {
		require.True(t, s.Enqueue(name, func(context.Context) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		}))
	}
	assert.Equal(t, 3, s.Len())
	s.Close()

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerContinuesAfterTaskError(t *testing.T) {
	s := NewScheduler(nil)
	ran := 0
	s.Enqueue("fail", func(context.Context) error { ran++; return errors.New("boom") })
	s.Enqueue("ok", func(context.Context) error { ran++; return nil })
	s.Close()

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 2, ran)
}

func TestSchedulerEnqueueAfterClose(t *testing.T) {
	s := NewScheduler(nil)
	s.Close()
	s.Close()
	assert.False(t, s.Enqueue("late", func(context.Context) error { return nil }))
}

func TestSchedulerPauseHoldsTasks(t *testing.T) {
	s := NewScheduler(nil)
	s.Pause()
	assert.True(t, s.Paused())

	done := make(chan struct{})
	s.Enqueue("held", func(context.Context) error { close(done); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-done:
		t.Fatal("task ran while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, s.Resume("test"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run after resume")
	}

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestSchedulerResumeAsksGate(t *testing.T) {
	var callers []string
	allow := false
	s := NewScheduler(gateFunc(func(caller string) bool {
		callers = append(callers, caller)
		return allow
	}))
	s.Pause()

	assert.False(t, s.Resume("first"))
	assert.True(t, s.Paused())

	allow = true
	assert.True(t, s.Resume("second"))
	assert.False(t, s.Paused())
	assert.Equal(t, []string{"first", "second"}, callers)
}

func TestSchedulerSuppressedByPendingUnload(t *testing.T) {
	m := NewStateManager(nil)
	require.NoError(t, m.BeginRecovery("t"))
	require.NoError(t, m.EndRecovery("t", nil))
	s := NewScheduler(m)

	s.Pause()
	m.RequestUnload("t")
	assert.False(t, s.Resume("checkpoint"))
	assert.True(t, s.Paused())
}
