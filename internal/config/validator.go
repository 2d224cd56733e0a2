package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	schedules := map[string]string{
		"session.sweep_schedule": cfg.Session.SweepSchedule,
	}
	if cfg.LiveState.PersistSchedule != "" {
		schedules["livestate.persist_schedule"] = cfg.LiveState.PersistSchedule
	}
	if cfg.LiveState.GTFSRT.Enabled {
		schedules["livestate.gtfs_rt.schedule"] = cfg.LiveState.GTFSRT.Schedule
	}
	for key, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, spec, err)
		}
	}

	if cfg.LiveState.GTFSRT.Enabled {
		u, err := url.Parse(cfg.LiveState.GTFSRT.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid livestate.gtfs_rt.url %q", cfg.LiveState.GTFSRT.URL)
		}
	}

	if _, err := cfg.Transit.Location(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		if seen[p.ID] {
			return fmt.Errorf("duplicate ai profile id %q", p.ID)
		}
		seen[p.ID] = true
	}

	if cfg.Guardrail.Enabled && strings.TrimSpace(cfg.Guardrail.Refusal) == "" {
		return errors.New("guardrail.refusal cannot be empty when the guardrail is enabled")
	}
	for _, p := range cfg.Guardrail.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid guardrail pattern %q: %w", p, err)
		}
	}

	return nil
}
