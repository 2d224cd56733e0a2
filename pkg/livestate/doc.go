// Package livestate tracks live bus positions and the route catalog, and
// hands immutable snapshots of both to the rider tools.
//
// Positions arrive from the gateway (drivers' devices) or from a GTFS-Realtime
// VehiclePositions feed. Routes come from a YAML catalog and are mirrored to
// SQLite together with last-known positions so a restart does not start blind.
//
// Invariants:
// - Bus IDs are matched case-insensitively.
// - Snapshots are deep copies; holders may keep them while the tracker moves on.
// - A bus whose last report is older than StaleAfter is not active.
package livestate
