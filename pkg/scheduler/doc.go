// Package scheduler runs the host's recurring maintenance tasks: session
// sweeps, position persistence and feed polling.
//
// Jobs are registered by name with a cron expression or an "@every"
// descriptor and run on a robfig/cron scheduler owned by the host process.
//
// Invariants:
//   - Job names are unique.
//   - A job never overlaps itself; a tick that arrives while the previous
//     run is still going is skipped.
//   - A panicking job is recorded as a failed run and does not stop the
//     scheduler.
//
// Usage:
//
//	s := scheduler.New(scheduler.Options{})
//	_ = s.AddJob("session-sweep", "@every 10m", func(ctx context.Context) error {
//		loop.SweepExpired(time.Now())
//		return nil
//	})
//	s.Start()
//	defer s.Stop(context.Background())
package scheduler
