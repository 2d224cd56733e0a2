package livestate

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrInvalidPosition is returned for out-of-range or non-finite coordinates.
	ErrInvalidPosition = errors.New("invalid position")
)

// Coordinates is a point in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BusPosition is the last report of one bus.
type BusPosition struct {
	BusID      string    `json:"busId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`    // km/h
	Heading    float64   `json:"heading"`  // degrees from north
	Accuracy   float64   `json:"accuracy"` // meters
	LastUpdate time.Time `json:"lastUpdate"`
	Source     string    `json:"source,omitempty"`
}

// Validate checks the coordinates and bus id.
func (p BusPosition) Validate() error {
	if strings.TrimSpace(p.BusID) == "" {
		return fmt.Errorf("%w: bus id is empty", ErrInvalidPosition)
	}
	return validateCoordinates(p.Latitude, p.Longitude)
}

func validateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("%w: non-finite coordinates", ErrInvalidPosition)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPosition, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPosition, lng)
	}
	return nil
}

// Stop is a named stop on a route.
type Stop struct {
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"lat"`
	Longitude float64 `json:"longitude" yaml:"lng"`
}

// Route is the ordered stop list served by one bus.
type Route struct {
	BusID string `json:"busId" yaml:"bus_id"`
	Name  string `json:"name,omitempty" yaml:"name"`
	Stops []Stop `json:"parsedStops" yaml:"stops"`
}

func (r Route) clone() Route {
	r.Stops = append([]Stop(nil), r.Stops...)
	return r
}

// Snapshot is a point-in-time, read-only view of live state.
type Snapshot struct {
	ActiveBuses  []BusPosition     `json:"activeBuses"`
	BusRoutes    []Route           `json:"busRoutes"`
	BusStops     map[string][]Stop `json:"busStops"`
	UserLocation *Coordinates      `json:"userLocation,omitempty"`
	TakenAt      time.Time         `json:"takenAt"`
}

// FindBus looks up an active bus by case-insensitive exact id.
func (s Snapshot) FindBus(busID string) (BusPosition, bool) {
	for _, b := range s.ActiveBuses {
		if strings.EqualFold(b.BusID, busID) {
			return b, true
		}
	}
	return BusPosition{}, false
}

// RouteFor returns the route served by a bus, case-insensitively.
func (s Snapshot) RouteFor(busID string) (Route, bool) {
	for _, r := range s.BusRoutes {
		if strings.EqualFold(r.BusID, busID) {
			return r, true
		}
	}
	return Route{}, false
}

// WithUserLocation returns a copy of the snapshot carrying the rider location.
func (s Snapshot) WithUserLocation(loc *Coordinates) Snapshot {
	if loc != nil {
		c := *loc
		s.UserLocation = &c
	} else {
		s.UserLocation = nil
	}
	return s
}

func busKey(busID string) string {
	return strings.ToLower(strings.TrimSpace(busID))
}
