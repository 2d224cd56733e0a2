package transit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/harun/halte/pkg/livestate"
)

// DefaultNearestCount is the number of stops find_nearest_stops returns when
// the caller does not ask for a count.
const DefaultNearestCount = 3

// MaxNearestCount caps how many stops find_nearest_stops returns.
const MaxNearestCount = 20

// Options configures the rider tools.
type Options struct {
	TravelTime   TravelTimePolicy
	Clock        func() time.Time
	Location     *time.Location
	NearestCount int
}

// Tools evaluates rider queries against live-state snapshots.
type Tools struct {
	travelTime   TravelTimePolicy
	clock        func() time.Time
	loc          *time.Location
	nearestCount int
}

// New creates the rider tools. Zero options fall back to defaults.
func New(opts Options) *Tools {
	if opts.TravelTime == nil {
		opts.TravelTime = DefaultTravelTime()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.NearestCount <= 0 {
		opts.NearestCount = DefaultNearestCount
	}
	return &Tools{
		travelTime:   opts.TravelTime,
		clock:        opts.Clock,
		loc:          opts.Location,
		nearestCount: opts.NearestCount,
	}
}

// RouteMatch is one route serving a trip.
type RouteMatch struct {
	BusID         string   `json:"busId"`
	Path          []string `json:"path"`
	StopCount     int      `json:"stopCount"`
	EstimatedTime string   `json:"estimatedTime"`
}

// FindRoutesResult is the find_routes result.
type FindRoutesResult struct {
	Success bool         `json:"success"`
	Routes  []RouteMatch `json:"routes,omitempty"`
	Message string       `json:"message,omitempty"`
}

// FindRoutes lists routes that visit a stop matching from before a stop
// matching to. Matching is a case-insensitive substring test.
func (t *Tools) FindRoutes(snap livestate.Snapshot, from, to string) FindRoutesResult {
	var matches []RouteMatch

	for _, route := range snap.BusRoutes {
		fromIdx := indexOfStop(route.Stops, from)
		toIdx := indexOfStop(route.Stops, to)
		if fromIdx < 0 || toIdx < 0 || fromIdx >= toIdx {
			continue
		}

		path := make([]string, 0, toIdx-fromIdx+1)
		for _, s := range route.Stops[fromIdx : toIdx+1] {
			path = append(path, s.Name)
		}

		matches = append(matches, RouteMatch{
			BusID:         route.BusID,
			Path:          path,
			StopCount:     len(path),
			EstimatedTime: formatMinutes(t.travelTime(len(path))),
		})
	}

	if len(matches) == 0 {
		return FindRoutesResult{
			Success: false,
			Message: fmt.Sprintf("No direct routes found from '%s' to '%s'.", from, to),
		}
	}
	return FindRoutesResult{Success: true, Routes: matches}
}

// GeoPoint is a coordinate pair in tool results.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// BusDetailsResult is the get_bus_details result.
type BusDetailsResult struct {
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	BusID      string    `json:"busId"`
	Location   *GeoPoint `json:"location"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Accuracy   float64   `json:"accuracy"`
	LastUpdate string    `json:"lastUpdate"`
	IsMoving   bool      `json:"isMoving"`
}

// MarshalJSON emits only status and message for a bus that was not found.
func (r BusDetailsResult) MarshalJSON() ([]byte, error) {
	if r.Status == "not_found" {
		return json.Marshal(struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}{r.Status, r.Message})
	}
	type plain BusDetailsResult
	return json.Marshal(plain(r))
}

// BusDetails reports the live state of one active bus.
func (t *Tools) BusDetails(snap livestate.Snapshot, busID string) BusDetailsResult {
	bus, ok := snap.FindBus(busID)
	if !ok {
		return BusDetailsResult{
			Status:  "not_found",
			Message: fmt.Sprintf("Bus '%s' is not currently active.", busID),
		}
	}

	return BusDetailsResult{
		Status:     "active",
		BusID:      bus.BusID,
		Location:   &GeoPoint{Latitude: bus.Latitude, Longitude: bus.Longitude},
		Speed:      bus.Speed,
		Heading:    bus.Heading,
		Accuracy:   bus.Accuracy,
		LastUpdate: bus.LastUpdate.In(t.loc).Format(time.RFC3339),
		IsMoving:   bus.Speed > 0,
	}
}

// NearbyStop is one entry of find_nearest_stops.
type NearbyStop struct {
	Name        string `json:"name"`
	DistanceKm  string `json:"distance_km"`
	Coordinates string `json:"coordinates"`

	distance float64
}

// NearestStopsResult is the find_nearest_stops result.
type NearestStopsResult struct {
	Stops   []NearbyStop `json:"stops,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// NearestStops returns the count closest distinct stops to the rider. Stops
// are deduplicated by lowercased name; the first occurrence across routes wins.
func (t *Tools) NearestStops(snap livestate.Snapshot, count int) NearestStopsResult {
	if snap.UserLocation == nil {
		return NearestStopsResult{Error: "User location is not available. Please share your location first."}
	}
	if count <= 0 {
		count = t.nearestCount
	}
	if count > MaxNearestCount {
		count = MaxNearestCount
	}

	seen := make(map[string]bool)
	var stops []NearbyStop
	for _, route := range snap.BusRoutes {
		for _, s := range route.Stops {
			key := strings.ToLower(s.Name)
			if seen[key] {
				continue
			}
			seen[key] = true

			d := Haversine(snap.UserLocation.Lat, snap.UserLocation.Lng, s.Latitude, s.Longitude)
			stops = append(stops, NearbyStop{
				Name:        s.Name,
				DistanceKm:  strconv.FormatFloat(d, 'f', 2, 64),
				Coordinates: fmt.Sprintf("%v, %v", s.Latitude, s.Longitude),
				distance:    d,
			})
		}
	}

	if len(stops) == 0 {
		return NearestStopsResult{Message: "No bus stops are available."}
	}

	sort.SliceStable(stops, func(i, j int) bool { return stops[i].distance < stops[j].distance })
	if len(stops) > count {
		stops = stops[:count]
	}
	return NearestStopsResult{Stops: stops}
}

// ArrivalResult is the get_arrival_time result.
type ArrivalResult struct {
	BusID              string    `json:"busId"`
	StopName           string    `json:"stopName"`
	EstimatedArrival   string    `json:"estimatedArrival"`
	EstimatedMinutes   int       `json:"estimatedMinutes"`
	CurrentBusLocation *GeoPoint `json:"currentBusLocation"`
	Error              string    `json:"error,omitempty"`
}

// MarshalJSON emits only the error field for a failed estimate.
func (r ArrivalResult) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	type plain ArrivalResult
	return json.Marshal(plain(r))
}

// ArrivalTime estimates when an active bus reaches a stop on its route.
// The estimate charges the travel-time policy for the stop's index.
func (t *Tools) ArrivalTime(snap livestate.Snapshot, busID, stopName string) ArrivalResult {
	bus, ok := snap.FindBus(busID)
	if !ok {
		return ArrivalResult{Error: fmt.Sprintf("Bus '%s' is not currently active.", busID)}
	}

	route, ok := snap.RouteFor(busID)
	if !ok || len(route.Stops) == 0 {
		return ArrivalResult{Error: fmt.Sprintf("Route information for bus '%s' is not available.", bus.BusID)}
	}

	idx := indexOfStop(route.Stops, stopName)
	if idx < 0 {
		return ArrivalResult{Error: fmt.Sprintf("Stop '%s' is not on the route of bus '%s'.", stopName, bus.BusID)}
	}

	eta := t.travelTime(idx)
	arrival := t.clock().Add(eta).In(t.loc)

	return ArrivalResult{
		BusID:              bus.BusID,
		StopName:           route.Stops[idx].Name,
		EstimatedArrival:   arrival.Format("3:04 PM"),
		EstimatedMinutes:   wholeMinutes(eta),
		CurrentBusLocation: &GeoPoint{Latitude: bus.Latitude, Longitude: bus.Longitude},
	}
}

func indexOfStop(stops []livestate.Stop, query string) int {
	q := strings.ToLower(strings.TrimSpace(query))
	for i, s := range stops {
		if strings.Contains(strings.ToLower(s.Name), q) {
			return i
		}
	}
	return -1
}
