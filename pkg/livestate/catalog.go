package livestate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout of the route catalog.
type catalogFile struct {
	Routes []Route `yaml:"routes"`
}

// ParseCatalog decodes and validates a YAML route catalog.
func ParseCatalog(data []byte) ([]Route, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse route catalog: %w", err)
	}
	if err := ValidateRoutes(cf.Routes); err != nil {
		return nil, err
	}
	return cf.Routes, nil
}

// LoadCatalog reads a YAML route catalog from disk.
func LoadCatalog(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route catalog: %w", err)
	}
	return ParseCatalog(data)
}

// MarshalCatalog encodes routes in the catalog layout.
func MarshalCatalog(routes []Route) ([]byte, error) {
	return yaml.Marshal(catalogFile{Routes: routes})
}

// ValidateRoutes enforces unique bus ids, named stops and valid coordinates.
func ValidateRoutes(routes []Route) error {
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		key := busKey(r.BusID)
		if key == "" {
			return fmt.Errorf("route %d: bus_id is required", i)
		}
		if seen[key] {
			return fmt.Errorf("route %d: duplicate bus_id %q", i, r.BusID)
		}
		seen[key] = true

		if len(r.Stops) < 2 {
			return fmt.Errorf("route %q: needs at least 2 stops", r.BusID)
		}
		for j, s := range r.Stops {
			if strings.TrimSpace(s.Name) == "" {
				return fmt.Errorf("route %q stop %d: name is required", r.BusID, j)
			}
			if err := validateCoordinates(s.Latitude, s.Longitude); err != nil {
				return fmt.Errorf("route %q stop %q: %w", r.BusID, s.Name, err)
			}
		}
	}
	return nil
}

// CatalogWatcher reloads the route catalog when its file changes.
type CatalogWatcher struct {
	path     string
	debounce time.Duration
	onLoad   func([]Route)
}

// NewCatalogWatcher creates a watcher that calls onLoad with every valid reload.
func NewCatalogWatcher(path string, onLoad func([]Route)) *CatalogWatcher {
	return &CatalogWatcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		onLoad:   onLoad,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are picked up.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve catalog path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	logger := log.With().Str("component", "catalog").Str("file", abs).Logger()
	logger.Info().Msg("Watching route catalog")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			routes, err := LoadCatalog(abs)
			if err != nil {
				logger.Warn().Err(err).Msg("Route catalog reload rejected")
				continue
			}
			logger.Info().Int("routes", len(routes)).Msg("Route catalog reloaded")
			w.onLoad(routes)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Catalog watcher error")
		}
	}
}
