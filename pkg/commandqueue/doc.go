// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, at most `concurrency` at a time.
// - Tasks in different lanes may execute concurrently.
// - A task whose caller gives up before it starts is never executed.
// - Idle lanes are dropped unless pinned with SetConcurrency.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "session-rider-1", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
