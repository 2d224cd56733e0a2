package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/harun/halte/pkg/livestate"
	"github.com/harun/halte/pkg/toolexecutor"
)

// Tool names as exposed to the model.
const (
	ToolFindRoutes       = "find_routes"
	ToolGetBusDetails    = "get_bus_details"
	ToolFindNearestStops = "find_nearest_stops"
	ToolGetArrivalTime   = "get_arrival_time"
)

// Definitions returns the rider tools as executor definitions, in the order
// they are presented to the model.
func (t *Tools) Definitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        ToolFindRoutes,
			Description: "Find bus routes that travel from one stop to another.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "fromStop", Type: "string", Description: "Name (or part of the name) of the starting stop", Required: true},
				{Name: "toStop", Type: "string", Description: "Name (or part of the name) of the destination stop", Required: true},
			},
			Handler: func(ctx context.Context, snap livestate.Snapshot, params map[string]interface{}) (interface{}, error) {
				return t.FindRoutes(snap, stringArg(params, "fromStop"), stringArg(params, "toStop")), nil
			},
		},
		{
			Name:        ToolGetBusDetails,
			Description: "Get the live location, speed and heading of an active bus.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "busId", Type: "string", Description: "Bus identifier, for example BUS-101", Required: true},
			},
			Handler: func(ctx context.Context, snap livestate.Snapshot, params map[string]interface{}) (interface{}, error) {
				return t.BusDetails(snap, stringArg(params, "busId")), nil
			},
		},
		{
			Name:        ToolFindNearestStops,
			Description: "Find the bus stops closest to the rider's shared location.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "count", Type: "integer", Description: "How many stops to return", Default: t.nearestCount},
			},
			Handler: func(ctx context.Context, snap livestate.Snapshot, params map[string]interface{}) (interface{}, error) {
				count, err := intArg(params, "count", t.nearestCount)
				if err != nil {
					return nil, err
				}
				return t.NearestStops(snap, count), nil
			},
		},
		{
			Name:        ToolGetArrivalTime,
			Description: "Estimate when an active bus will reach a stop on its route.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "busId", Type: "string", Description: "Bus identifier", Required: true},
				{Name: "stopName", Type: "string", Description: "Name (or part of the name) of the stop", Required: true},
			},
			Handler: func(ctx context.Context, snap livestate.Snapshot, params map[string]interface{}) (interface{}, error) {
				return t.ArrivalTime(snap, stringArg(params, "busId"), stringArg(params, "stopName")), nil
			},
		},
	}
}

func stringArg(params map[string]interface{}, name string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return ""
}

func intArg(params map[string]interface{}, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be a whole number", name)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number", name)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", name, v)
	}
}
