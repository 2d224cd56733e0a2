package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return "after", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "after", result)
}

func TestCommandQueue_SerialWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue("session-rider-1", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("fifo", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = cq.Enqueue("fifo", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}(i)
		require.Eventually(t, func() bool { return cq.QueueSize("fifo") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("lane-a", func(ctx context.Context) (interface{}, error) {
			close(blocked)
			<-release
			return nil, nil
		})
	}()
	<-blocked

	result, err := cq.Enqueue("lane-b", func(ctx context.Context) (interface{}, error) {
		return "b", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", result)

	close(release)
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("busy", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	_, err := cq.EnqueueWithContext(ctx, "busy", func(ctx context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, cq.QueueSize("busy"))

	close(release)
	require.True(t, cq.WaitForActive(time.Second))
	assert.False(t, ran.Load())
}

func TestCommandQueue_IdleLanesAreCollected(t *testing.T) {
	cq := New()
	defer cq.Close()

	for _, lane := range []string{"session-a", "session-b", "session-c"} {
		_, err := cq.Enqueue(lane, func(ctx context.Context) (interface{}, error) { return nil, nil })
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return cq.LaneCount() == 0 }, time.Second, time.Millisecond)

	cq.SetConcurrency("pinned", 2)
	assert.Equal(t, 1, cq.LaneCount())
	assert.Equal(t, 2, cq.Stats()["pinned"]["concurrency"])
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("clear", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue("clear", func(ctx context.Context) (interface{}, error) { return nil, nil })
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.QueueSize("clear") == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, cq.ClearLane("clear"))
	assert.ErrorIs(t, <-errCh, ErrLaneCleared)

	close(release)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	var cancelled atomic.Bool
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue("long", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return nil, ctx.Err()
		})
	}()
	<-started

	require.NoError(t, cq.Close())
	<-done
	assert.True(t, cancelled.Load())

	_, err := cq.Enqueue("late", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, cq.Close())
}
