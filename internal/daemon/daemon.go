package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/halte/internal/config"
	"github.com/harun/halte/internal/logger"
	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/internal/tracing"
	"github.com/harun/halte/pkg/gateway"
	"github.com/harun/halte/pkg/livestate"
	"github.com/harun/halte/pkg/scheduler"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Version is reported in traces and the CLI version template.
var Version = "0.1.0"

// Scheduled job names.
const (
	JobSessionSweep    = "session-sweep"
	JobPositionPersist = "position-persist"
	JobFeedPoll        = "gtfs-rt-poll"
)

// Daemon is the halte host process: the conversational core plus the
// scheduler, the route catalog watcher and the gateway.
type Daemon struct {
	*Core

	config *config.Config
	logger zerolog.Logger

	scheduler     *scheduler.Scheduler
	gatewayServer *gateway.Server
	watcher       *livestate.CatalogWatcher
	poller        *livestate.FeedPoller
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"startTime"`
	Uptime    time.Duration `json:"uptime"`
	Sessions  int           `json:"sessions"`
	Buses     int           `json:"buses"`
}

// New creates a daemon instance. Nothing listens until Run.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	base := log.Zerolog()
	d := &Daemon{
		config: cfg,
		logger: log.Component("daemon"),
	}

	if cfg.Tracing.Enabled {
		spanLogger := base.With().Str("component", "tracing").Logger()
		if err := tracing.Init(tracing.Options{
			ServiceName: "halte",
			Version:     Version,
			SampleRatio: cfg.Tracing.SampleRatio,
			Logger:      &spanLogger,
		}); err != nil {
			base.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
		} else {
			d.tracingEnabled = true
		}
	}

	core, err := NewCore(cfg, base)
	if err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	d.Core = core

	if err := d.initializeServices(base); err != nil {
		_ = core.Close()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeServices(base zerolog.Logger) error {
	loc, err := d.config.Transit.Location()
	if err != nil {
		return err
	}
	d.scheduler = scheduler.New(scheduler.Options{Location: loc, Logger: &base})

	if err := d.scheduler.AddJob(JobSessionSweep, d.config.Session.SweepSchedule, func(context.Context) error {
		d.loop.SweepExpired(time.Now())
		return nil
	}); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	ls := d.config.LiveState
	if ls.PersistSchedule != "" {
		if err := d.scheduler.AddJob(JobPositionPersist, ls.PersistSchedule, d.PersistPositions); err != nil {
			return fmt.Errorf("failed to schedule position persistence: %w", err)
		}
	}

	if ls.GTFSRT.Enabled {
		d.poller = livestate.NewFeedPoller(d.tracker, livestate.FeedPollerOptions{
			URL:        ls.GTFSRT.URL,
			Headers:    ls.GTFSRT.Headers,
			Timeout:    ls.GTFSRT.Timeout,
			UseRouteID: ls.GTFSRT.UseRouteID,
		})
		if err := d.scheduler.AddJob(JobFeedPoll, ls.GTFSRT.Schedule, func(ctx context.Context) error {
			_, err := d.poller.Poll(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("failed to schedule GTFS-RT polling: %w", err)
		}
	}

	if ls.RoutesFile != "" && ls.WatchRoutes {
		d.watcher = livestate.NewCatalogWatcher(ls.RoutesFile, d.ApplyRoutes)
	}

	gw, err := gateway.NewServer(gateway.Config{
		Address:        d.config.Gateway.Address(),
		Turns:          d.loop,
		Live:           d.tracker,
		RateLimit:      d.config.Gateway.RateLimit,
		RateBurst:      d.config.Gateway.RateBurst,
		AllowedOrigins: d.config.Gateway.AllowedOrigins,
		Logger:         &base,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gw
	return nil
}

// WatchConfig hot-reloads the guardrail when the config file changes.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	return loader.Watch(func(cfg *config.Config) {
		if err := d.ApplyGuardrail(cfg.Guardrail); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to apply reloaded guardrail")
		}
	})
}

// Run starts every service and blocks until ctx ends or a service fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx = tracing.NewRequestContext(ctx)
	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Info().Str("version", Version).Msg("Starting halte daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.gatewayServer.Run(gctx) })
	g.Go(func() error { return d.scheduler.Run(gctx) })
	if d.watcher != nil {
		g.Go(func() error { return d.watcher.Run(gctx) })
	}

	logger.Info().
		Str("address", d.config.Gateway.Address()).
		Int("jobs", len(d.scheduler.Jobs())).
		Msg("Daemon started")

	err := g.Wait()
	if stopErr := d.stop(); stopErr != nil {
		logger.Error().Err(stopErr).Msg("Failed to stop daemon cleanly")
	}
	if err != nil {
		return err
	}
	logger.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) stop() error {
	defer d.setStopped()

	err := d.Core.Close()
	if lcErr := d.lifecycle.Stop(); lcErr != nil && err == nil {
		err = lcErr
	}
	d.shutdownTracing()
	return err
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.store.Count(),
		Buses:    len(d.tracker.ActiveBuses()),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetScheduler returns the job scheduler.
func (d *Daemon) GetScheduler() *scheduler.Scheduler {
	return d.scheduler
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetLifecycle returns the PID file manager.
func (d *Daemon) GetLifecycle() *LifecycleManager {
	return d.lifecycle
}
