package livestate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS routes (
	bus_id     TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	stops_json TEXT NOT NULL,
	position   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bus_positions (
	bus_id      TEXT PRIMARY KEY,
	latitude    REAL NOT NULL,
	longitude   REAL NOT NULL,
	speed       REAL NOT NULL DEFAULT 0,
	heading     REAL NOT NULL DEFAULT 0,
	accuracy    REAL NOT NULL DEFAULT 0,
	source      TEXT NOT NULL DEFAULT '',
	last_update INTEGER NOT NULL
);
`

// SQLiteStore persists routes and last-known bus positions.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRoutes replaces the stored catalog.
func (s *SQLiteStore) SaveRoutes(ctx context.Context, routes []Route) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM routes`); err != nil {
		return fmt.Errorf("failed to clear routes: %w", err)
	}

	now := time.Now().Unix()
	for i, r := range routes {
		stops, err := json.Marshal(r.Stops)
		if err != nil {
			return fmt.Errorf("failed to encode stops for %q: %w", r.BusID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routes (bus_id, name, stops_json, position, updated_at) VALUES (?, ?, ?, ?, ?)`,
			r.BusID, r.Name, string(stops), i, now,
		); err != nil {
			return fmt.Errorf("failed to insert route %q: %w", r.BusID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit routes: %w", err)
	}
	return nil
}

// LoadRoutes returns the stored catalog in its original order.
func (s *SQLiteStore) LoadRoutes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bus_id, name, stops_json FROM routes ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		var stops string
		if err := rows.Scan(&r.BusID, &r.Name, &stops); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		if err := json.Unmarshal([]byte(stops), &r.Stops); err != nil {
			return nil, fmt.Errorf("failed to decode stops for %q: %w", r.BusID, err)
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read routes: %w", err)
	}
	return routes, nil
}

// SavePositions upserts the given positions.
func (s *SQLiteStore) SavePositions(ctx context.Context, positions []BusPosition) error {
	if len(positions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bus_positions (bus_id, latitude, longitude, speed, heading, accuracy, source, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bus_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			speed = excluded.speed,
			heading = excluded.heading,
			accuracy = excluded.accuracy,
			source = excluded.source,
			last_update = excluded.last_update
		WHERE excluded.last_update >= bus_positions.last_update`)
	if err != nil {
		return fmt.Errorf("failed to prepare position upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx,
			p.BusID, p.Latitude, p.Longitude, p.Speed, p.Heading, p.Accuracy, p.Source, p.LastUpdate.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to upsert position %q: %w", p.BusID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit positions: %w", err)
	}
	return nil
}

// LoadPositions returns every stored position.
func (s *SQLiteStore) LoadPositions(ctx context.Context) ([]BusPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bus_id, latitude, longitude, speed, heading, accuracy, source, last_update
		FROM bus_positions ORDER BY bus_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []BusPosition
	for rows.Next() {
		var p BusPosition
		var ms int64
		if err := rows.Scan(&p.BusID, &p.Latitude, &p.Longitude, &p.Speed, &p.Heading, &p.Accuracy, &p.Source, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.LastUpdate = time.UnixMilli(ms)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read positions: %w", err)
	}
	return out, nil
}

// DeletePosition removes a stored position.
func (s *SQLiteStore) DeletePosition(ctx context.Context, busID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bus_positions WHERE bus_id = ?`, busID); err != nil {
		return fmt.Errorf("failed to delete position %q: %w", busID, err)
	}
	return nil
}
