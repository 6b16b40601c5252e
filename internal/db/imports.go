package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ResolveLatestImportDBName picks the newest per-city import database listed
// in public.latest_successful_imports on the cluster's meta database.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, strings.ToLower(city)).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no bike-share import found for city %q", city)
		}
		return "", fmt.Errorf("resolve import for %q: %w", city, err)
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for city %q", city)
	}
	return dbName.String, nil
}

// RecordImport registers dbName as the latest successful import so running
// services pick it up on their next watch cycle.
func RecordImport(ctx context.Context, meta *sql.DB, dbName string) error {
	q := `
CREATE TABLE IF NOT EXISTS public.latest_successful_imports (
  db_name     TEXT PRIMARY KEY,
  imported_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := meta.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create imports table: %w", err)
	}
	q = `
INSERT INTO public.latest_successful_imports (db_name, imported_at) VALUES ($1, now())
ON CONFLICT (db_name) DO UPDATE SET imported_at = EXCLUDED.imported_at`
	if _, err := meta.ExecContext(ctx, q, dbName); err != nil {
		return fmt.Errorf("record import %q: %w", dbName, err)
	}
	return nil
}

// EnsureDatabase creates the import database dbName on the cluster when it
// does not exist yet.
func EnsureDatabase(ctx context.Context, meta *sql.DB, dbName string) error {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`
	if err := meta.QueryRowContext(ctx, q, dbName).Scan(&exists); err != nil {
		return fmt.Errorf("check database %q: %w", dbName, err)
	}
	if exists {
		return nil
	}
	if _, err := meta.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

// ImportDBName is the conventional import database name for city at day.
func ImportDBName(city string, day time.Time) string {
	city = strings.ToLower(strings.Join(strings.Fields(city), "_"))
	return fmt.Sprintf("bikeshare_%s_%s", city, day.Format("20060102"))
}
