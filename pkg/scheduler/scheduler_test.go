package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context) error { return nil }

func TestAddJob(t *testing.T) {
	s := New(Options{})
	defer s.Stop(context.Background())

	t.Run("accepts descriptors and cron expressions", func(t *testing.T) {
		require.NoError(t, s.AddJob("session-sweep", "@every 10m", noop))
		require.NoError(t, s.AddJob("nightly", "0 3 * * *", noop))
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		err := s.AddJob("session-sweep", "@every 1m", noop)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("rejects invalid specs", func(t *testing.T) {
		err := s.AddJob("broken", "every ten minutes", noop)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid schedule")
	})

	t.Run("rejects missing name or task", func(t *testing.T) {
		assert.Error(t, s.AddJob("", "@every 1m", noop))
		assert.Error(t, s.AddJob("no-task", "@every 1m", nil))
	})

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "nightly", jobs[0].Name)
	assert.Equal(t, "session-sweep", jobs[1].Name)
}

func TestRunNowRecordsState(t *testing.T) {
	s := New(Options{})
	defer s.Stop(context.Background())

	calls := 0
	require.NoError(t, s.AddJob("persist", "@every 1m", func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return errors.New("disk full")
		}
		return nil
	}))
	require.NoError(t, s.AddJob("explode", "@every 1m", func(ctx context.Context) error {
		panic("boom")
	}))

	require.NoError(t, s.RunNow("persist"))
	require.EqualError(t, s.RunNow("persist"), "disk full")

	err := s.RunNow("explode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.Error(t, s.RunNow("missing"))

	states := map[string]JobState{}
	for _, st := range s.Jobs() {
		states[st.Name] = st
	}
	assert.Equal(t, 2, states["persist"].Runs)
	assert.Equal(t, 1, states["persist"].Failures)
	assert.Equal(t, "disk full", states["persist"].LastError)
	assert.Equal(t, 1, states["explode"].Failures)
}

func TestRemoveJob(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.AddJob("poll", "@every 15s", noop))

	s.RemoveJob("poll")
	s.RemoveJob("unknown")

	assert.Empty(t, s.Jobs())
	assert.NoError(t, s.AddJob("poll", "@every 15s", noop))
}

func TestScheduledRun(t *testing.T) {
	s := New(Options{})

	var runs int32
	require.NoError(t, s.AddJob("tick", "@every 1s", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 20*time.Millisecond)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].NextRunAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestRunStopsWithContext(t *testing.T) {
	s := New(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("@every 10m"))
	assert.NoError(t, ValidateSpec("*/5 * * * *"))
	assert.Error(t, ValidateSpec("@sometimes"))
}
