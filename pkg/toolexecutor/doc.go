// Package toolexecutor holds the fixed table of rider tools and executes them
// against a live-state snapshot.
//
// Invariants:
// - The registry is immutable after New; tool names are unique.
// - Arguments are schema-validated before a handler runs.
// - Execute never panics and never returns an error: unknown tools, invalid
//   arguments, handler errors and panics all become a ToolResult whose
//   Payload is {"error": "..."}.
//
// Usage:
//
//	exec, err := toolexecutor.New(toolexecutor.ToolDefinition{
//		Name:        "get_bus_details",
//		Description: "Live details for one bus",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "busId", Type: "string", Description: "bus id", Required: true}},
//		Handler: func(ctx context.Context, snap livestate.Snapshot, params map[string]interface{}) (interface{}, error) {
//			return lookup(snap, params["busId"].(string)), nil
//		},
//	})
//	res := exec.Execute(ctx, "get_bus_details", args, &toolexecutor.ExecutionContext{Snapshot: snap})
package toolexecutor
