package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 20, cfg.Session.MaxMessages)
	assert.Equal(t, 10, cfg.Session.MaxLegacyExchanges)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 8000, cfg.Session.TokenBudget)
	assert.Equal(t, "@every 10m", cfg.Session.SweepSchedule)

	assert.Equal(t, 3, cfg.Agent.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Agent.CallTimeout)

	assert.Equal(t, 2, cfg.Transit.MinutesPerStop)
	assert.Equal(t, 3, cfg.Transit.DefaultNearestCount)

	assert.True(t, cfg.Guardrail.Enabled)
	assert.NotEmpty(t, cfg.Guardrail.Terms)
	assert.Equal(t, DefaultRefusal, cfg.Guardrail.Refusal)
}

func TestDefaultConfigTermsAreCopied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guardrail.Terms[0] = "mutated"

	assert.NotEqual(t, "mutated", DefaultGuardrailTerms[0])

	cfg.Guardrail.Patterns[0] = "mutated"
	assert.NotEqual(t, "mutated", DefaultGuardrailPatterns[0])
}

func TestGatewayAddress(t *testing.T) {
	g := GatewayConfig{Host: "0.0.0.0", Port: 9000}
	assert.Equal(t, "0.0.0.0:9000", g.Address())
}

func TestTransitLocation(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		loc, err := TransitConfig{TimeZone: "Local"}.Location()
		require.NoError(t, err)
		assert.Equal(t, time.Local, loc)
	})

	t.Run("named zone", func(t *testing.T) {
		loc, err := TransitConfig{TimeZone: "UTC"}.Location()
		require.NoError(t, err)
		assert.Equal(t, "UTC", loc.String())
	})

	t.Run("unknown zone", func(t *testing.T) {
		_, err := TransitConfig{TimeZone: "Mars/Olympus"}.Location()
		assert.Error(t, err)
	})
}

func TestStringMasksAPIKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-live-secret"}}

	out := cfg.String()
	assert.NotContains(t, out, "sk-live-secret")
	assert.Contains(t, out, "***")
	assert.Equal(t, "sk-live-secret", cfg.AI.Profiles[0].APIKey)
}
