package transit

import (
	"fmt"
	"time"
)

// DefaultMinutesPerStop is the placeholder travel time between stops.
const DefaultMinutesPerStop = 2

// TravelTimePolicy estimates the travel time across the given number of stops.
type TravelTimePolicy func(stops int) time.Duration

// FixedPerStop charges a constant duration per stop.
func FixedPerStop(perStop time.Duration) TravelTimePolicy {
	return func(stops int) time.Duration {
		if stops < 0 {
			stops = 0
		}
		return time.Duration(stops) * perStop
	}
}

// DefaultTravelTime is FixedPerStop(2 minutes).
func DefaultTravelTime() TravelTimePolicy {
	return FixedPerStop(DefaultMinutesPerStop * time.Minute)
}

func wholeMinutes(d time.Duration) int {
	return int(d / time.Minute)
}

func formatMinutes(d time.Duration) string {
	return fmt.Sprintf("%d minutes", wholeMinutes(d))
}
