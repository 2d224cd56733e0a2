package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrClosed is returned for tasks enqueued after Close.
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is a unit of work executed inside a lane.
type Task func(ctx context.Context) (interface{}, error)

type taskResult struct {
	value interface{}
	err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type laneState struct {
	concurrency int
	pinned      bool // configured via SetConcurrency, never collected
	running     int
	queue       []*taskRecord
}

// CommandQueue runs tasks FIFO per lane with a per-lane concurrency limit.
// Unpinned lanes are dropped once idle, so per-user lanes do not accumulate.
type CommandQueue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue. Lanes are created on first use with concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue runs task in lane and waits for its result.
func (cq *CommandQueue) Enqueue(lane string, task Task) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task)
}

// EnqueueWithContext runs task in lane and waits for its result. Cancelling
// ctx while the task is still queued removes it; cancelling while it runs
// cancels the context handed to the task.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue", tracing.AttrLane.String(lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls := cq.laneLocked(lane)
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.pumpLocked(lane, ls)
	cq.mu.Unlock()

	logger.Debug().Str("task_id", record.id).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	select {
	case res := <-record.result:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.value, res.err
	case <-ctx.Done():
		if cq.dequeue(lane, record) {
			logger.Debug().Str("task_id", record.id).Msg("Queued task cancelled")
		}
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// laneLocked returns the lane state, creating it. Caller holds cq.mu.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
	}
	return ls
}

// pumpLocked starts queued tasks up to the lane concurrency. Caller holds cq.mu.
func (cq *CommandQueue) pumpLocked(lane string, ls *laneState) {
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		cq.wg.Add(1)
		go cq.execute(lane, record)
	}
	if ls.running == 0 && len(ls.queue) == 0 && !ls.pinned {
		delete(cq.lanes, lane)
	}
}

// dequeue removes a record that has not started yet.
func (cq *CommandQueue) dequeue(lane string, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.SetQueueSize(lane, len(ls.queue))
			cq.pumpLocked(lane, ls)
			return true
		}
	}
	return false
}

func (cq *CommandQueue) execute(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		tracing.TracerQueue,
		"commandqueue.execute_task",
		tracing.AttrLane.String(lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stop := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	stop()
	cancel()

	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	ls.running--
	queueSize := len(ls.queue)
	cq.pumpLocked(lane, ls)
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
}

// run converts a panicking task into an error so the lane keeps draining.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// SetConcurrency pins a lane and sets its concurrency limit.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls := cq.laneLocked(lane)
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.pinned = true
	cq.pumpLocked(lane, ls)

	log.Debug().Str("lane", lane).Int("old", old).Int("new", concurrency).Msg("Lane concurrency updated")
}

// ClearLane rejects every queued (not yet running) task of a lane.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok {
		cq.mu.Unlock()
		return 0
	}
	dropped := ls.queue
	ls.queue = nil
	cq.pumpLocked(lane, ls)
	cq.mu.Unlock()

	for _, r := range dropped {
		r.result <- taskResult{err: ErrLaneCleared}
	}
	observability.SetQueueSize(lane, 0)
	if len(dropped) > 0 {
		log.Info().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	}
	return len(dropped)
}

// QueueSize returns the number of waiting tasks in a lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// RunningCount returns the number of executing tasks in a lane.
func (cq *CommandQueue) RunningCount(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return ls.running
	}
	return 0
}

// LaneCount returns the number of lanes currently tracked.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Stats returns queued/running/concurrency per lane.
func (cq *CommandQueue) Stats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for name, ls := range cq.lanes {
		stats[name] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
	}
	return stats
}

// WaitForActive waits until no task is running or the timeout elapses.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		cq.mu.Lock()
		active := 0
		for _, ls := range cq.lanes {
			active += ls.running
		}
		cq.mu.Unlock()

		if active == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("active", active).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	var dropped []*taskRecord
	for name, ls := range cq.lanes {
		dropped = append(dropped, ls.queue...)
		ls.queue = nil
		cq.pumpLocked(name, ls)
	}
	cq.mu.Unlock()

	for _, r := range dropped {
		r.result <- taskResult{err: ErrClosed}
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
