package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvpn/nexus/internal/logging"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEverySchedule(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := Every(5 * time.Minute).Next(base)
	assert.Equal(t, base.Add(5*time.Minute), next)
}

func TestAddValidation(t *testing.T) {
	s := New(logging.Discard())
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Add(&Task{Name: "x", Schedule: Every(time.Minute), Func: noop}))
	assert.Error(t, s.Add(&Task{ID: "x", Func: noop}))
	assert.Error(t, s.Add(&Task{ID: "x", Schedule: Every(time.Minute)}))

	require.NoError(t, s.Add(&Task{ID: "x", Schedule: Every(time.Minute), Func: noop}))
	assert.Error(t, s.Add(&Task{ID: "x", Schedule: Every(time.Minute), Func: noop}),
		"duplicate IDs rejected")
}

func TestRunOnStart(t *testing.T) {
	s := New(logging.Discard(), WithTick(time.Hour))
	var runs atomic.Int32
	require.NoError(t, s.Add(&Task{
		ID:         "boot",
		Name:       "boot task",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()
	waitFor(t, func() bool { return runs.Load() == 1 })
}

func TestPeriodicExecution(t *testing.T) {
	s := New(logging.Discard(), WithTick(5*time.Millisecond))
	var runs atomic.Int32
	require.NoError(t, s.Add(&Task{
		ID:       "fast",
		Name:     "fast task",
		Schedule: Every(10 * time.Millisecond),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()
	waitFor(t, func() bool { return runs.Load() >= 2 })
}

func TestTaskErrorRecorded(t *testing.T) {
	s := New(logging.Discard(), WithTick(time.Hour))
	require.NoError(t, s.Add(&Task{
		ID:         "broken",
		Name:       "broken task",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			return errors.New("boom")
		},
	}))

	s.Start()
	defer s.Stop()
	waitFor(t, func() bool {
		st := s.Statuses()
		return len(st) == 1 && st[0].ErrorCount == 1
	})
	st := s.Statuses()[0]
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, int64(1), st.RunCount)
}

func TestRunNow(t *testing.T) {
	s := New(logging.Discard(), WithTick(time.Hour))
	var runs atomic.Int32
	require.NoError(t, s.Add(&Task{
		ID:       "manual",
		Name:     "manual task",
		Schedule: Every(time.Hour),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	assert.Error(t, s.RunNow("manual"), "not running yet")
	s.Start()
	defer s.Stop()

	assert.Error(t, s.RunNow("missing"))
	require.NoError(t, s.RunNow("manual"))
	waitFor(t, func() bool { return runs.Load() == 1 })
}

func TestStopCancelsRunningTask(t *testing.T) {
	s := New(logging.Discard(), WithTick(time.Hour))
	canceled := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, s.Add(&Task{
		ID:         "long",
		Name:       "long task",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		},
	}))

	s.Start()
	<-entered
	s.Stop()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not cancelled on stop")
	}
}

func TestNoOverlappingRuns(t *testing.T) {
	s := New(logging.Discard(), WithTick(5*time.Millisecond))
	var active, maxActive atomic.Int32
	require.NoError(t, s.Add(&Task{
		ID:       "slow",
		Name:     "slow task",
		Schedule: Every(time.Millisecond),
		Func: func(ctx context.Context) error {
			cur := active.Add(1)
			if cur > maxActive.Load() {
				maxActive.Store(cur)
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		},
	}))

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(1), maxActive.Load(), "a task must not overlap itself")
}
