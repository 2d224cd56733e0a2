package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoaderLoad(t *testing.T) {
	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load()
		assert.Error(t, err)
	})

	t.Run("yaml file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "halte.yaml")
		writeFile(t, path, `
data_dir: `+dir+`
session:
  ttl: 45m
  max_messages: 12
agent:
  max_attempts: 2
ai:
  profiles:
    - id: primary
      provider: openai
      model: gpt-4o-mini
      api_key: sk-test
      priority: 10
guardrail:
  terms: [taxi, scooter]
`)

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 45*time.Minute, cfg.Session.TTL)
		assert.Equal(t, 12, cfg.Session.MaxMessages)
		assert.Equal(t, 8000, cfg.Session.TokenBudget)
		assert.Equal(t, 2, cfg.Agent.MaxAttempts)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "primary", cfg.AI.Profiles[0].ID)
		assert.Equal(t, []string{"taxi", "scooter"}, cfg.Guardrail.Terms)
		assert.Equal(t, filepath.Join(dir, "halte.db"), cfg.LiveState.Database)
	})

	t.Run("env overrides file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "halte.yaml")
		writeFile(t, path, "data_dir: "+dir+"\ngateway:\n  port: 9000\n")

		t.Setenv("HALTE_GATEWAY_PORT", "9100")
		t.Setenv("HALTE_TRANSIT_MINUTES_PER_STOP", "3")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, 3, cfg.Transit.MinutesPerStop)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "halte.yaml")
		writeFile(t, path, "data_dir: "+dir+"\nsession:\n  max_messages: 0\n")

		_, err := NewLoader(path).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MaxMessages")
	})
}

func TestLoaderConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/halte.yaml", NewLoader("/etc/halte.yaml").ConfigPath())
	assert.Equal(t, DefaultConfigPath(), NewLoader("").ConfigPath())
}

func TestWatchRequiresLoadedFile(t *testing.T) {
	err := NewLoader("").Watch(func(*Config) {})
	assert.Error(t, err)
}
