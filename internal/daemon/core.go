package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/halte/internal/config"
	"github.com/harun/halte/pkg/agent"
	"github.com/harun/halte/pkg/livestate"
	"github.com/harun/halte/pkg/moderation"
	"github.com/harun/halte/pkg/session"
	"github.com/harun/halte/pkg/toolexecutor"
	"github.com/harun/halte/pkg/transit"
	"github.com/rs/zerolog"
)

// providerFactory builds completion providers from ai.profiles. Tests swap it.
var providerFactory agent.ProviderCreator = &agent.ProviderFactory{}

// Core is the conversational stack without any network surface: sessions,
// live state, tools, guardrail and the agent loop. The daemon serves it; the
// CLI drives it in-process.
type Core struct {
	config *config.Config
	base   zerolog.Logger
	logger zerolog.Logger

	store    *session.Store
	archiver *session.Archiver
	tracker  *livestate.Tracker
	db       *livestate.SQLiteStore
	executor *toolexecutor.ToolExecutor
	chain    *agent.Chain
	loop     *agent.Loop
}

// NewCore wires the conversational stack from cfg. Components derive their
// own loggers from base.
func NewCore(cfg *config.Config, base zerolog.Logger) (*Core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Core{
		config: cfg,
		base:   base,
		logger: base.With().Str("component", "core").Logger(),
	}

	if err := c.initSessions(); err != nil {
		return nil, err
	}
	if err := c.initLiveState(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initLoop(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// SessionConfig maps the session section onto store bounds.
func SessionConfig(cfg config.SessionConfig) session.Config {
	sc := session.DefaultConfig()
	sc.MaxMessages = cfg.MaxMessages
	sc.MaxLegacyExchanges = cfg.MaxLegacyExchanges
	sc.MaxRecentSearches = cfg.MaxRecentSearches
	sc.TTL = cfg.TTL
	sc.TokenBudget = cfg.TokenBudget
	sc.Preferences = session.Preferences{
		Units:              cfg.Preferences.Units,
		MaxNearbyStops:     cfg.Preferences.MaxNearbyStops,
		NotificationRadius: cfg.Preferences.NotificationRadius,
	}
	return sc
}

func (c *Core) initSessions() error {
	c.store = session.NewStore(SessionConfig(c.config.Session))

	if !c.config.Session.Archive {
		return nil
	}
	archiver, err := session.NewArchiver(filepath.Join(c.config.DataDir, "sessions", "archive"))
	if err != nil {
		return fmt.Errorf("failed to create session archiver: %w", err)
	}
	c.archiver = archiver
	c.store.OnEvict(archiver.Hook())
	c.logger.Info().Str("dir", archiver.Dir()).Msg("Session archiving enabled")
	return nil
}

func (c *Core) initLiveState() error {
	ls := c.config.LiveState
	c.tracker = livestate.NewTracker(livestate.TrackerOptions{StaleAfter: ls.StaleAfter})

	db, err := livestate.OpenSQLite(ls.Database)
	if err != nil {
		return fmt.Errorf("failed to open live state database: %w", err)
	}
	c.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	routes, err := c.loadRoutes(ctx)
	if err != nil {
		return err
	}
	c.tracker.SetRoutes(routes)

	positions, err := db.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore bus positions: %w", err)
	}
	restored := c.tracker.Restore(positions)

	c.logger.Info().
		Int("routes", len(routes)).
		Int("positions", restored).
		Str("database", ls.Database).
		Msg("Live state loaded")
	return nil
}

// loadRoutes prefers the catalog file and mirrors it into the database; the
// database is the fallback when no file is configured.
func (c *Core) loadRoutes(ctx context.Context) ([]livestate.Route, error) {
	path := c.config.LiveState.RoutesFile
	if path == "" {
		routes, err := c.db.LoadRoutes(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
		return routes, nil
	}

	routes, err := livestate.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	if err := c.db.SaveRoutes(ctx, routes); err != nil {
		return nil, fmt.Errorf("failed to store routes: %w", err)
	}
	return routes, nil
}

// ApplyRoutes installs a reloaded catalog.
func (c *Core) ApplyRoutes(routes []livestate.Route) {
	c.tracker.SetRoutes(routes)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.db.SaveRoutes(ctx, routes); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to store reloaded routes")
	}
}

func (c *Core) initLoop() error {
	loc, err := c.config.Transit.Location()
	if err != nil {
		return err
	}

	tools := transit.New(transit.Options{
		TravelTime:   transit.FixedPerStop(time.Duration(c.config.Transit.MinutesPerStop) * time.Minute),
		Location:     loc,
		NearestCount: c.config.Transit.DefaultNearestCount,
	})

	executor, err := toolexecutor.New(tools.Definitions()...)
	if err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	c.executor = executor

	guardrail, err := moderation.New(c.config.Guardrail)
	if err != nil {
		return fmt.Errorf("failed to create guardrail: %w", err)
	}

	chain, err := agent.BuildChain(c.config.AI.Profiles, providerFactory, c.config.Agent.Cooldown)
	if err != nil {
		return err
	}
	if chain.Len() == 0 {
		c.logger.Warn().Msg("No AI profiles configured, turns will fail with an apology")
	}
	c.chain = chain

	ac := c.config.Agent
	logger := c.base
	loop, err := agent.NewLoop(agent.Config{
		Store:     c.store,
		Provider:  chain,
		Tools:     executor,
		Guardrail: guardrail,
		Snapshots: c.tracker,
		Retry: agent.RetryPolicy{
			MaxAttempts: ac.MaxAttempts,
			BaseDelay:   ac.RetryBaseDelay,
			CallTimeout: ac.CallTimeout,
		},
		Temperature:    ac.Temperature,
		MaxTokens:      ac.MaxTokens,
		Instructions:   ac.Instructions,
		IncludeHistory: ac.IncludeHistory,
		Logger:         &logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}
	c.loop = loop
	return nil
}

// ApplyGuardrail rebuilds the denylist from a reloaded config.
func (c *Core) ApplyGuardrail(cfg config.GuardrailConfig) error {
	guardrail, err := moderation.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create guardrail: %w", err)
	}
	c.loop.SetGuardrail(guardrail)
	c.logger.Info().Int("terms", len(guardrail.Terms())).Msg("Guardrail reloaded")
	return nil
}

// PersistPositions writes the tracker's positions to the database.
func (c *Core) PersistPositions(ctx context.Context) error {
	positions := c.tracker.Positions()
	if err := c.db.SavePositions(ctx, positions); err != nil {
		return err
	}
	c.logger.Debug().Int("positions", len(positions)).Msg("Bus positions persisted")
	return nil
}

// Close persists positions one last time and releases the database.
func (c *Core) Close() error {
	var errs []error
	if c.loop != nil {
		errs = append(errs, c.loop.Close())
	}
	if c.db != nil {
		if c.tracker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.PersistPositions(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to persist positions: %w", err))
			}
			cancel()
		}
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

// Loop returns the agent loop.
func (c *Core) Loop() *agent.Loop {
	return c.loop
}

// Store returns the session store.
func (c *Core) Store() *session.Store {
	return c.store
}

// Tracker returns the live bus tracker.
func (c *Core) Tracker() *livestate.Tracker {
	return c.tracker
}

// Database returns the live state database.
func (c *Core) Database() *livestate.SQLiteStore {
	return c.db
}

// Tools returns the tool executor.
func (c *Core) Tools() *toolexecutor.ToolExecutor {
	return c.executor
}
