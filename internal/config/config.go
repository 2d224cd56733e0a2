package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the root halte configuration.
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	Guardrail GuardrailConfig `json:"guardrail" mapstructure:"guardrail"`
	Transit   TransitConfig   `json:"transit" mapstructure:"transit"`
	LiveState LiveStateConfig `json:"livestate" mapstructure:"livestate"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" validate:"gte=0"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age" validate:"gte=0"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// SessionConfig bounds per-rider conversational state.
type SessionConfig struct {
	MaxMessages        int           `json:"max_messages" mapstructure:"max_messages" validate:"gt=0"`
	MaxLegacyExchanges int           `json:"max_legacy_exchanges" mapstructure:"max_legacy_exchanges" validate:"gt=0"`
	MaxRecentSearches  int           `json:"max_recent_searches" mapstructure:"max_recent_searches" validate:"gt=0"`
	TTL                time.Duration `json:"ttl" mapstructure:"ttl" validate:"gt=0"`
	TokenBudget        int           `json:"token_budget" mapstructure:"token_budget" validate:"gt=0"`
	SweepSchedule      string        `json:"sweep_schedule" mapstructure:"sweep_schedule" validate:"required"`
	Archive            bool          `json:"archive" mapstructure:"archive"`

	Preferences PreferencesConfig `json:"preferences" mapstructure:"preferences"`
}

// PreferencesConfig holds the defaults applied to new sessions.
type PreferencesConfig struct {
	Units              string `json:"units" mapstructure:"units" validate:"oneof=metric imperial"`
	MaxNearbyStops     int    `json:"max_nearby_stops" mapstructure:"max_nearby_stops" validate:"gt=0"`
	NotificationRadius int    `json:"notification_radius" mapstructure:"notification_radius" validate:"gt=0"` // meters
}

// AgentConfig controls the conversational turn loop.
type AgentConfig struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" mapstructure:"retry_base_delay" validate:"gte=0"`
	CallTimeout    time.Duration `json:"call_timeout" mapstructure:"call_timeout" validate:"gt=0"`
	Temperature    float64       `json:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int           `json:"max_tokens" mapstructure:"max_tokens" validate:"gt=0"`
	Instructions   string        `json:"instructions" mapstructure:"instructions"`
	Cooldown       time.Duration `json:"cooldown" mapstructure:"cooldown" validate:"gte=0"`
	IncludeHistory bool          `json:"include_history" mapstructure:"include_history"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles" validate:"dive"`
}

// AIProfile is one completion provider account.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id" validate:"required"`
	Provider string `json:"provider" mapstructure:"provider" validate:"oneof=openai anthropic"`
	Model    string `json:"model" mapstructure:"model" validate:"required"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// GuardrailConfig is the denylist applied before any model call.
type GuardrailConfig struct {
	Enabled  bool     `json:"enabled" mapstructure:"enabled"`
	Terms    []string `json:"terms" mapstructure:"terms"`
	Patterns []string `json:"patterns" mapstructure:"patterns"`
	Refusal  string   `json:"refusal" mapstructure:"refusal"`
}

// TransitConfig tunes the rider tools.
type TransitConfig struct {
	MinutesPerStop      int    `json:"minutes_per_stop" mapstructure:"minutes_per_stop" validate:"gt=0"`
	TimeZone            string `json:"timezone" mapstructure:"timezone"`
	DefaultNearestCount int    `json:"default_nearest_count" mapstructure:"default_nearest_count" validate:"gt=0"`
}

// LiveStateConfig configures where bus routes and positions come from.
type LiveStateConfig struct {
	RoutesFile      string        `json:"routes_file" mapstructure:"routes_file"`
	WatchRoutes     bool          `json:"watch_routes" mapstructure:"watch_routes"`
	Database        string        `json:"database" mapstructure:"database"`
	StaleAfter      time.Duration `json:"stale_after" mapstructure:"stale_after" validate:"gt=0"`
	PersistSchedule string        `json:"persist_schedule" mapstructure:"persist_schedule"`
	GTFSRT          GTFSRTConfig  `json:"gtfs_rt" mapstructure:"gtfs_rt"`
}

// GTFSRTConfig configures the GTFS-Realtime vehicle positions feed.
type GTFSRTConfig struct {
	Enabled  bool              `json:"enabled" mapstructure:"enabled"`
	URL      string            `json:"url" mapstructure:"url" validate:"required_if=Enabled true"`
	Schedule string            `json:"schedule" mapstructure:"schedule"`
	Timeout  time.Duration     `json:"timeout" mapstructure:"timeout" validate:"gte=0"`
	Headers  map[string]string `json:"headers" mapstructure:"headers"`
	// UseRouteID keys buses by trip route id instead of vehicle id.
	UseRouteID bool `json:"use_route_id" mapstructure:"use_route_id"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host           string   `json:"host" mapstructure:"host" validate:"required"`
	Port           int      `json:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
	RateLimit      float64  `json:"rate_limit" mapstructure:"rate_limit" validate:"gte=0"` // requests per second per client
	RateBurst      int      `json:"rate_burst" mapstructure:"rate_burst" validate:"gte=0"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultGuardrailTerms is the substring denylist shipped with halte:
// competing ride services and unsafe topics.
var DefaultGuardrailTerms = []string{
	"uber",
	"lyft",
	"ola cab",
	"rapido",
	"weapon",
	"drugs",
}

// DefaultGuardrailPatterns holds short words that occur inside stop and
// street names ("Laguna", "Hackney", "Bombay"), so they match whole words only.
var DefaultGuardrailPatterns = []string{
	`(?i)\bgrab\b`,
	`(?i)\bbombs?\b`,
	`(?i)\bguns?\b`,
	`(?i)\bhack(s|ed|ing)?\b`,
}

// DefaultRefusal is the fixed reply for denylisted queries.
const DefaultRefusal = "I'm sorry, I can only help with bus routes, stops, arrival times and live bus locations."

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Session: SessionConfig{
			MaxMessages:        20,
			MaxLegacyExchanges: 10,
			MaxRecentSearches:  10,
			TTL:                30 * time.Minute,
			TokenBudget:        8000,
			SweepSchedule:      "@every 10m",
			Preferences: PreferencesConfig{
				Units:              "metric",
				MaxNearbyStops:     5,
				NotificationRadius: 500,
			},
		},
		Agent: AgentConfig{
			MaxAttempts:    3,
			RetryBaseDelay: time.Second,
			CallTimeout:    30 * time.Second,
			Temperature:    0.3,
			MaxTokens:      1024,
			Cooldown:       time.Minute,
			IncludeHistory: true,
		},
		Guardrail: GuardrailConfig{
			Enabled:  true,
			Terms:    append([]string(nil), DefaultGuardrailTerms...),
			Patterns: append([]string(nil), DefaultGuardrailPatterns...),
			Refusal:  DefaultRefusal,
		},
		Transit: TransitConfig{
			MinutesPerStop:      2,
			TimeZone:            "Local",
			DefaultNearestCount: 3,
		},
		LiveState: LiveStateConfig{
			WatchRoutes:     true,
			StaleAfter:      5 * time.Minute,
			PersistSchedule: "@every 1m",
			GTFSRT: GTFSRTConfig{
				Schedule: "@every 15s",
				Timeout:  10 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      8787,
			RateLimit: 5,
			RateBurst: 20,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Address returns the gateway listen address.
func (g GatewayConfig) Address() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Location resolves the configured display time zone.
func (t TransitConfig) Location() (*time.Location, error) {
	if t.TimeZone == "" || t.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", t.TimeZone, err)
	}
	return loc, nil
}

// String renders the config as indented JSON with API keys masked.
func (c *Config) String() string {
	redacted := *c
	redacted.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		redacted.AI.Profiles[i] = p
	}
	data, err := json.MarshalIndent(&redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
