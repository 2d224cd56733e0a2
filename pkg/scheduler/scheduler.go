package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Task is one unit of scheduled work. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context) error

// JobState is the observable state of a registered job.
type JobState struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	NextRunAt    time.Time     `json:"nextRunAt"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
}

type job struct {
	name    string
	spec    string
	task    Task
	entryID cron.EntryID

	mu    sync.Mutex
	state JobState
}

// Options configures a Scheduler.
type Options struct {
	// Location evaluates cron expressions. Defaults to time.Local.
	Location *time.Location
	Logger   *zerolog.Logger
}

// Scheduler owns a cron runner and its named jobs.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	logger zerolog.Logger

	mu      sync.RWMutex
	jobs    map[string]*job
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a valid cron expression or descriptor.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	observability.EnsureRegistered()

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "scheduler").Logger()

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.SkipIfStillRunning(adapter)),
		),
		parser: specParser,
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers a named task.
func (s *Scheduler) AddJob(name, spec string, task Task) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if task == nil {
		return fmt.Errorf("job %s has no task", name)
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job already registered: %s", name)
	}

	j := &job{name: name, spec: spec, task: task}
	j.state = JobState{Name: name, Spec: spec}
	j.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(j) }))
	s.jobs[name] = j

	s.logger.Info().Str("job", name).Str("spec", spec).Msg("Job registered")
	return nil
}

// RemoveJob unregisters a job. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.entryID)
		delete(s.jobs, name)
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	return s.run(j)
}

func (s *Scheduler) run(j *job) (err error) {
	ctx := tracing.NewRequestContext(s.ctx)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("job", j.name).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}

		elapsed := time.Since(start)
		observability.RecordJobRun(j.name, elapsed, err == nil)

		j.mu.Lock()
		j.state.Runs++
		j.state.LastRunAt = start
		j.state.LastDuration = elapsed
		j.state.LastError = ""
		if err != nil {
			j.state.Failures++
			j.state.LastError = err.Error()
		}
		j.mu.Unlock()

		if err != nil {
			logger.Error().Err(err).Dur("duration", elapsed).Msg("Scheduled job failed")
			return
		}
		logger.Debug().Dur("duration", elapsed).Msg("Scheduled job finished")
	}()

	return j.task(ctx)
}

// Jobs returns the state of every job, sorted by name.
func (s *Scheduler) Jobs() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := j.state
		j.mu.Unlock()
		st.NextRunAt = s.cron.Entry(j.entryID).Next
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts scheduling, cancels running jobs and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop scheduler: %w", ctx.Err())
	}
}

// Run starts the scheduler and blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// cronLogger routes robfig/cron logs to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
