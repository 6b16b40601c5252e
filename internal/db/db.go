package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bikemap/internal/bikeshare"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS stations (
  short_name TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  lat        DOUBLE PRECISION NOT NULL,
  lon        DOUBLE PRECISION NOT NULL
);
CREATE TABLE IF NOT EXISTS trips (
  start_station_id TEXT NOT NULL DEFAULT '',
  end_station_id   TEXT NOT NULL DEFAULT '',
  started_at       TIMESTAMP NOT NULL,
  ended_at         TIMESTAMP NOT NULL
)`

// EnsureSchema creates the stations and trips tables when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// FetchStations returns every station ordered by short name.
func FetchStations(ctx context.Context, db *sql.DB) ([]bikeshare.Station, error) {
	q := `SELECT short_name, COALESCE(name, ''), lat, lon FROM stations ORDER BY short_name`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	var stations []bikeshare.Station
	for rows.Next() {
		var s bikeshare.Station
		if err := rows.Scan(&s.ShortName, &s.Name, &s.Lat, &s.Lon); err != nil {
			return nil, err
		}
		stations = append(stations, s)
	}
	return stations, rows.Err()
}

// FetchTrips returns every trip. Timestamps are stored without a zone; their
// wall clock is re-read in loc.
func FetchTrips(ctx context.Context, db *sql.DB, loc *time.Location) ([]bikeshare.Trip, error) {
	q := `SELECT COALESCE(start_station_id, ''), COALESCE(end_station_id, ''), started_at, ended_at FROM trips`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []bikeshare.Trip
	for rows.Next() {
		var t bikeshare.Trip
		if err := rows.Scan(&t.StartStationID, &t.EndStationID, &t.StartedAt, &t.EndedAt); err != nil {
			return nil, err
		}
		t.StartedAt = wallClockIn(t.StartedAt, loc)
		t.EndedAt = wallClockIn(t.EndedAt, loc)
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func wallClockIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// ImportDataset replaces the stations and trips tables with ds in a single
// transaction.
func ImportDataset(ctx context.Context, db *sql.DB, ds *bikeshare.Dataset) (err error) {
	if err := ds.Validate(); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM trips`); err != nil {
		return fmt.Errorf("clear trips: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM stations`); err != nil {
		return fmt.Errorf("clear stations: %w", err)
	}

	stStmt, err := tx.PrepareContext(ctx, `INSERT INTO stations (short_name, name, lat, lon) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("prepare station insert: %w", err)
	}
	defer stStmt.Close()
	for _, s := range ds.Stations {
		if _, err = stStmt.ExecContext(ctx, s.ShortName, s.Name, s.Lat, s.Lon); err != nil {
			return fmt.Errorf("insert station %q: %w", s.ShortName, err)
		}
	}

	tripStmt, err := tx.PrepareContext(ctx, `INSERT INTO trips (start_station_id, end_station_id, started_at, ended_at) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("prepare trip insert: %w", err)
	}
	defer tripStmt.Close()
	for i, t := range ds.Trips {
		if _, err = tripStmt.ExecContext(ctx, t.StartStationID, t.EndStationID, t.StartedAt, t.EndedAt); err != nil {
			return fmt.Errorf("insert trip %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}
