package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/halte/internal/config"
	"github.com/harun/halte/internal/logger"
	"github.com/harun/halte/pkg/agent"
	"github.com/harun/halte/pkg/livestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `routes:
  - bus_id: BUS-7
    name: Harbour Line
    stops:
      - {name: Depot, lat: 1.30, lng: 103.80}
      - {name: Market, lat: 1.31, lng: 103.81}
      - {name: Harbour, lat: 1.32, lng: 103.82}
`

type stubProvider struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (p *stubProvider) Call(_ context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &agent.LLMResponse{Content: p.reply}, nil
}

func (p *stubProvider) Provider() string { return "stub" }

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubFactory struct {
	provider *stubProvider
}

func (f stubFactory) NewProvider(config.AIProfile) (agent.LLMProvider, error) {
	return f.provider, nil
}

// useStubProvider routes every profile to one stub for the test's duration.
func useStubProvider(t *testing.T, reply string) *stubProvider {
	t.Helper()
	p := &stubProvider{reply: reply}
	prev := providerFactory
	providerFactory = stubFactory{provider: p}
	t.Cleanup(func() { providerFactory = prev })
	return p
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.LiveState.Database = filepath.Join(dir, "halte.db")
	cfg.Gateway.Port = 0
	cfg.AI.Profiles = []config.AIProfile{{ID: "primary", Provider: "openai", Model: "test-model"}}
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func writeCatalog(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0644))
	return path
}

func TestNewRegistersJobs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		useStubProvider(t, "ok")
		d, err := New(testConfig(t), testLogger(t))
		require.NoError(t, err)
		defer d.Close()

		var names []string
		for _, j := range d.GetScheduler().Jobs() {
			names = append(names, j.Name)
		}
		assert.Equal(t, []string{JobPositionPersist, JobSessionSweep}, names)
		assert.Nil(t, d.watcher)
	})

	t.Run("feed polling and catalog watch", func(t *testing.T) {
		useStubProvider(t, "ok")
		cfg := testConfig(t)
		cfg.LiveState.RoutesFile = writeCatalog(t, cfg.DataDir)
		cfg.LiveState.GTFSRT.Enabled = true
		cfg.LiveState.GTFSRT.URL = "http://127.0.0.1:1/feed"

		d, err := New(cfg, testLogger(t))
		require.NoError(t, err)
		defer d.Close()

		jobs := d.GetScheduler().Jobs()
		require.Len(t, jobs, 3)
		assert.Equal(t, JobFeedPoll, jobs[0].Name)
		assert.Equal(t, "@every 15s", jobs[0].Spec)
		assert.NotNil(t, d.watcher)
	})

	t.Run("invalid sweep schedule", func(t *testing.T) {
		useStubProvider(t, "ok")
		cfg := testConfig(t)
		cfg.Session.SweepSchedule = "whenever"

		_, err := New(cfg, testLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to schedule session sweep")
	})
}

func TestCoreRoutes(t *testing.T) {
	useStubProvider(t, "ok")
	log := testLogger(t)
	cfg := testConfig(t)
	cfg.LiveState.RoutesFile = writeCatalog(t, cfg.DataDir)

	core, err := NewCore(cfg, log.Zerolog())
	require.NoError(t, err)

	routes := core.Tracker().Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "BUS-7", routes[0].BusID)
	assert.Len(t, routes[0].Stops, 3)
	require.NoError(t, core.Close())

	t.Run("database is the fallback", func(t *testing.T) {
		cfg.LiveState.RoutesFile = ""
		core, err := NewCore(cfg, log.Zerolog())
		require.NoError(t, err)
		defer core.Close()

		routes := core.Tracker().Routes()
		require.Len(t, routes, 1)
		assert.Equal(t, "Harbour Line", routes[0].Name)
	})

	t.Run("reload replaces routes", func(t *testing.T) {
		cfg.LiveState.RoutesFile = ""
		core, err := NewCore(cfg, log.Zerolog())
		require.NoError(t, err)
		defer core.Close()

		core.ApplyRoutes([]livestate.Route{{
			BusID: "BUS-9",
			Stops: []livestate.Stop{
				{Name: "North", Latitude: 1, Longitude: 1},
				{Name: "South", Latitude: 1.1, Longitude: 1},
			},
		}})

		stored, err := core.Database().LoadRoutes(context.Background())
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "BUS-9", stored[0].BusID)
	})
}

func TestCorePositionsSurviveRestart(t *testing.T) {
	useStubProvider(t, "ok")
	log := testLogger(t)
	cfg := testConfig(t)

	core, err := NewCore(cfg, log.Zerolog())
	require.NoError(t, err)
	require.NoError(t, core.Tracker().UpdatePosition(livestate.BusPosition{
		BusID:     "BUS-7",
		Latitude:  1.305,
		Longitude: 103.805,
		Speed:     32,
	}))
	require.NoError(t, core.Close())

	core, err = NewCore(cfg, log.Zerolog())
	require.NoError(t, err)
	defer core.Close()

	positions := core.Tracker().Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "BUS-7", positions[0].BusID)
	assert.InDelta(t, 32, positions[0].Speed, 0.001)
}

func TestCoreApplyGuardrail(t *testing.T) {
	provider := useStubProvider(t, "Bus BUS-7 runs every ten minutes.")
	cfg := testConfig(t)

	core, err := NewCore(cfg, testLogger(t).Zerolog())
	require.NoError(t, err)
	defer core.Close()

	ctx := context.Background()
	result := core.Loop().HandleTurn(ctx, "rider-1", "can I take an uber instead?", nil)
	assert.True(t, result.Refused)
	assert.Equal(t, config.DefaultRefusal, result.Reply)
	assert.Equal(t, 0, provider.Calls())

	require.NoError(t, core.ApplyGuardrail(config.GuardrailConfig{Enabled: false}))

	result = core.Loop().HandleTurn(ctx, "rider-1", "can I take an uber instead?", nil)
	assert.False(t, result.Refused)
	assert.Equal(t, "Bus BUS-7 runs every ten minutes.", result.Reply)
	assert.Equal(t, 1, provider.Calls())

	t.Run("invalid pattern is rejected", func(t *testing.T) {
		err := core.ApplyGuardrail(config.GuardrailConfig{Enabled: true, Patterns: []string{"("}})
		require.Error(t, err)
	})
}

func TestCoreSessionArchive(t *testing.T) {
	useStubProvider(t, "Take BUS-7.")
	cfg := testConfig(t)
	cfg.Session.Archive = true

	core, err := NewCore(cfg, testLogger(t).Zerolog())
	require.NoError(t, err)
	defer core.Close()

	ctx := context.Background()
	core.Loop().HandleTurn(ctx, "rider-2", "how do I get to Market?", nil)
	require.NoError(t, core.Loop().ResetSession(ctx, "rider-2"))

	entries, err := core.archiver.Load("rider-2")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestSessionConfig(t *testing.T) {
	sc := SessionConfig(config.DefaultConfig().Session)
	assert.Equal(t, 20, sc.MaxMessages)
	assert.Equal(t, 10, sc.MaxLegacyExchanges)
	assert.Equal(t, 30*time.Minute, sc.TTL)
	assert.Equal(t, 8000, sc.TokenBudget)
	assert.Equal(t, "metric", sc.Preferences.Units)
	assert.Equal(t, 5, sc.Preferences.MaxNearbyStops)
	assert.Equal(t, 500, sc.Preferences.NotificationRadius)
	assert.NotNil(t, sc.Clock)
}

func TestDaemonRun(t *testing.T) {
	useStubProvider(t, "ok")
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	pidFile := PIDFilePath(cfg.DataDir)
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil && d.Status().Running
	}, 5*time.Second, 20*time.Millisecond)

	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	t.Run("sweep job runs on demand", func(t *testing.T) {
		require.NoError(t, d.GetScheduler().RunNow(JobSessionSweep))
		require.NoError(t, d.GetScheduler().RunNow(JobPositionPersist))
	})

	t.Run("second run is rejected", func(t *testing.T) {
		err := d.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.False(t, d.Status().Running)
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}
