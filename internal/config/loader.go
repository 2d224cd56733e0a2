package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HALTE_GATEWAY_PORT.
const EnvPrefix = "HALTE"

// Loader reads configuration from a YAML/JSON file with environment overrides.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a new config loader. An empty path selects ~/.halte/halte.yaml.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultConfigPath returns ~/.halte/halte.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "halte.yaml"
	}
	return filepath.Join(home, ".halte", "halte.yaml")
}

// ConfigPath returns the file the loader reads.
func (l *Loader) ConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultConfigPath()
}

// Load merges defaults, the config file (when present) and HALTE_* env vars,
// fills derived paths and validates the result.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	path := l.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if l.configPath != "" {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerivedPaths(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	l.v = v
	return cfg, nil
}

// Watch reloads the file on change and hands valid configs to onChange.
// Invalid edits are logged and ignored. Load must be called first.
func (l *Loader) Watch(onChange func(*Config)) error {
	if l.v == nil || l.v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded to watch")
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg := DefaultConfig()
		if err := l.v.Unmarshal(cfg); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Config reload failed")
			return
		}
		if err := applyDerivedPaths(cfg); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Config reload failed")
			return
		}
		if err := Validate(cfg); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Config reload rejected")
			return
		}
		log.Info().Str("file", e.Name).Msg("Config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
	return nil
}

func applyDerivedPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".halte")
	}
	if cfg.LiveState.Database == "" {
		cfg.LiveState.Database = filepath.Join(cfg.DataDir, "halte.db")
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override values that the
// config file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)

	v.SetDefault("session.max_messages", d.Session.MaxMessages)
	v.SetDefault("session.max_legacy_exchanges", d.Session.MaxLegacyExchanges)
	v.SetDefault("session.max_recent_searches", d.Session.MaxRecentSearches)
	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.token_budget", d.Session.TokenBudget)
	v.SetDefault("session.sweep_schedule", d.Session.SweepSchedule)
	v.SetDefault("session.archive", d.Session.Archive)
	v.SetDefault("session.preferences.units", d.Session.Preferences.Units)
	v.SetDefault("session.preferences.max_nearby_stops", d.Session.Preferences.MaxNearbyStops)
	v.SetDefault("session.preferences.notification_radius", d.Session.Preferences.NotificationRadius)

	v.SetDefault("agent.max_attempts", d.Agent.MaxAttempts)
	v.SetDefault("agent.retry_base_delay", d.Agent.RetryBaseDelay)
	v.SetDefault("agent.call_timeout", d.Agent.CallTimeout)
	v.SetDefault("agent.temperature", d.Agent.Temperature)
	v.SetDefault("agent.max_tokens", d.Agent.MaxTokens)
	v.SetDefault("agent.instructions", d.Agent.Instructions)
	v.SetDefault("agent.cooldown", d.Agent.Cooldown)
	v.SetDefault("agent.include_history", d.Agent.IncludeHistory)

	v.SetDefault("guardrail.enabled", d.Guardrail.Enabled)
	v.SetDefault("guardrail.terms", d.Guardrail.Terms)
	v.SetDefault("guardrail.patterns", d.Guardrail.Patterns)
	v.SetDefault("guardrail.refusal", d.Guardrail.Refusal)

	v.SetDefault("transit.minutes_per_stop", d.Transit.MinutesPerStop)
	v.SetDefault("transit.timezone", d.Transit.TimeZone)
	v.SetDefault("transit.default_nearest_count", d.Transit.DefaultNearestCount)

	v.SetDefault("livestate.routes_file", d.LiveState.RoutesFile)
	v.SetDefault("livestate.watch_routes", d.LiveState.WatchRoutes)
	v.SetDefault("livestate.database", d.LiveState.Database)
	v.SetDefault("livestate.stale_after", d.LiveState.StaleAfter)
	v.SetDefault("livestate.persist_schedule", d.LiveState.PersistSchedule)
	v.SetDefault("livestate.gtfs_rt.enabled", d.LiveState.GTFSRT.Enabled)
	v.SetDefault("livestate.gtfs_rt.url", d.LiveState.GTFSRT.URL)
	v.SetDefault("livestate.gtfs_rt.schedule", d.LiveState.GTFSRT.Schedule)
	v.SetDefault("livestate.gtfs_rt.timeout", d.LiveState.GTFSRT.Timeout)
	v.SetDefault("livestate.gtfs_rt.use_route_id", d.LiveState.GTFSRT.UseRouteID)

	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.rate_limit", d.Gateway.RateLimit)
	v.SetDefault("gateway.rate_burst", d.Gateway.RateBurst)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
