// Package transit implements the rider tools: route search, bus details,
// nearest stops and arrival estimates. Each tool is a pure function over a
// livestate.Snapshot and returns a value even for "not found" outcomes.
//
// Travel time is a named policy (TravelTimePolicy) so the placeholder
// per-stop estimate can be replaced without touching the tools.
package transit
