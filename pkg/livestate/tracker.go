package livestate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/halte/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultStaleAfter is how long a position report keeps a bus active.
const DefaultStaleAfter = 5 * time.Minute

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	StaleAfter time.Duration
	Clock      func() time.Time
}

// PositionListener receives every accepted position update.
type PositionListener func(BusPosition)

// Tracker holds live bus positions and the route catalog.
type Tracker struct {
	mu         sync.RWMutex
	buses      map[string]BusPosition
	routes     []Route
	staleAfter time.Duration
	clock      func() time.Time

	listenersMu sync.RWMutex
	listeners   map[int]PositionListener
	nextID      int
}

// NewTracker creates an empty tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	observability.EnsureRegistered()

	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tracker{
		buses:      make(map[string]BusPosition),
		staleAfter: opts.StaleAfter,
		clock:      opts.Clock,
		listeners:  make(map[int]PositionListener),
	}
}

// UpdatePosition records a position report. Reports older than the one held
// are ignored. A zero LastUpdate is stamped with the tracker clock.
func (t *Tracker) UpdatePosition(p BusPosition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.LastUpdate.IsZero() {
		p.LastUpdate = t.clock()
	}

	key := busKey(p.BusID)

	t.mu.Lock()
	if cur, ok := t.buses[key]; ok && cur.LastUpdate.After(p.LastUpdate) {
		t.mu.Unlock()
		return nil
	}
	t.buses[key] = p
	t.mu.Unlock()

	source := p.Source
	if source == "" {
		source = "unknown"
	}
	observability.RecordPositionUpdate(source)

	t.listenersMu.RLock()
	listeners := make([]PositionListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.listenersMu.RUnlock()
	for _, l := range listeners {
		l(p)
	}
	return nil
}

// Restore loads persisted positions without notifying listeners.
func (t *Tracker) Restore(positions []BusPosition) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range positions {
		if p.Validate() != nil {
			continue
		}
		key := busKey(p.BusID)
		if cur, ok := t.buses[key]; ok && !p.LastUpdate.After(cur.LastUpdate) {
			continue
		}
		t.buses[key] = p
		n++
	}
	return n
}

// RemoveBus forgets a bus. It reports whether the bus was known.
func (t *Tracker) RemoveBus(busID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := busKey(busID)
	_, ok := t.buses[key]
	delete(t.buses, key)
	return ok
}

// Subscribe registers a listener and returns its cancel function.
func (t *Tracker) Subscribe(l PositionListener) func() {
	t.listenersMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.listenersMu.Unlock()

	return func() {
		t.listenersMu.Lock()
		delete(t.listeners, id)
		t.listenersMu.Unlock()
	}
}

// SetRoutes replaces the route catalog.
func (t *Tracker) SetRoutes(routes []Route) {
	cp := make([]Route, len(routes))
	for i, r := range routes {
		cp[i] = r.clone()
	}

	t.mu.Lock()
	t.routes = cp
	t.mu.Unlock()

	log.Info().Int("routes", len(cp)).Msg("Route catalog updated")
}

// Routes returns a copy of the route catalog.
func (t *Tracker) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Route, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.clone()
	}
	return out
}

// Positions returns every held position, stale ones included, sorted by bus id.
func (t *Tracker) Positions() []BusPosition {
	t.mu.RLock()
	out := make([]BusPosition, 0, len(t.buses))
	for _, p := range t.buses {
		out = append(out, p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return busKey(out[i].BusID) < busKey(out[j].BusID) })
	return out
}

// ActiveBuses returns buses reported within StaleAfter, sorted by bus id.
func (t *Tracker) ActiveBuses() []BusPosition {
	now := t.clock()
	all := t.Positions()

	active := all[:0]
	for _, p := range all {
		if now.Sub(p.LastUpdate) <= t.staleAfter {
			active = append(active, p)
		}
	}
	observability.SetActiveBuses(len(active))
	return active
}

// Snapshot returns an immutable view of active buses and routes. The user
// location is left empty for the caller to fill.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	routes := t.Routes()
	stops := make(map[string][]Stop, len(routes))
	for _, r := range routes {
		stops[r.BusID] = append([]Stop(nil), r.Stops...)
	}

	return Snapshot{
		ActiveBuses: t.ActiveBuses(),
		BusRoutes:   routes,
		BusStops:    stops,
		TakenAt:     t.clock(),
	}, nil
}
