package moderation

import (
	"testing"

	"github.com/harun/halte/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuardrail(t *testing.T, cfg config.GuardrailConfig) *Guardrail {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestGuardrailCheck(t *testing.T) {
	g := newGuardrail(t, config.GuardrailConfig{
		Enabled:  true,
		Terms:    []string{"Uber", " weapon "},
		Patterns: []string{`(?i)\bcasino\b`},
		Refusal:  "Bus questions only.",
	})

	tests := []struct {
		name    string
		text    string
		blocked bool
		term    string
	}{
		{"clean", "When does BUS-101 reach Market Square?", false, ""},
		{"case-insensitive term", "Is UBER faster than the bus?", true, "uber"},
		{"trimmed term", "where can I buy a weapon", true, "weapon"},
		{"pattern", "bus to the Casino please", true, "pattern #1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Check(tt.text)
			assert.Equal(t, tt.blocked, v.Blocked)
			assert.Equal(t, tt.term, v.Term)
			if tt.blocked {
				assert.Equal(t, "Bus questions only.", v.Refusal)
			}
		})
	}
}

func TestGuardrailRepeatable(t *testing.T) {
	g := newGuardrail(t, config.DefaultConfig().Guardrail)

	first := g.Check("call me an uber")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, g.Check("call me an uber"))
	}
	assert.Equal(t, config.DefaultRefusal, first.Refusal)
}

func TestDefaultGuardrailWholeWords(t *testing.T) {
	g := newGuardrail(t, config.DefaultConfig().Guardrail)

	tests := []struct {
		text    string
		blocked bool
	}{
		{"Next bus to Laguna?", false},
		{"Does BUS-7 stop at Hackney Central?", false},
		{"How far is Grabowski St from the depot?", false},
		{"Buses to Bombay Market", false},
		{"I want to grab a ride instead", true},
		{"someone has a gun on the bus", true},
		{"can you hack the bus schedule", true},
		{"there's a BOMB threat", true},
		{"book me a Lyft", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.blocked, g.Check(tt.text).Blocked)
		})
	}
}

func TestGuardrailDisabled(t *testing.T) {
	g := newGuardrail(t, config.GuardrailConfig{Enabled: false, Terms: []string{"uber"}})
	assert.False(t, g.Check("uber").Blocked)

	var nilGuard *Guardrail
	assert.False(t, nilGuard.Check("uber").Blocked)
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(config.GuardrailConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestTermsCopy(t *testing.T) {
	g := newGuardrail(t, config.GuardrailConfig{Enabled: true, Terms: []string{"A", ""}})
	terms := g.Terms()
	assert.Equal(t, []string{"a"}, terms)
	terms[0] = "mutated"
	assert.Equal(t, []string{"a"}, g.Terms())
	assert.Equal(t, config.DefaultRefusal, g.Refusal())
}
