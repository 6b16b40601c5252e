package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"bikemap/internal/bikeshare"
)

// Store loads a city's dataset from its import database. The underlying
// connection can be swapped when a newer import appears.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	loc *time.Location
}

func NewStore(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

// Use replaces the connection and returns the previous one so the caller can
// close it.
func (s *Store) Use(db *sql.DB) *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.db
	s.db = db
	return prev
}

func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *Store) Load(ctx context.Context, city string) (*bikeshare.Dataset, error) {
	conn := s.DB()
	if conn == nil {
		return nil, errors.New("store has no database")
	}
	stations, err := FetchStations(ctx, conn)
	if err != nil {
		return nil, err
	}
	trips, err := FetchTrips(ctx, conn, s.loc)
	if err != nil {
		return nil, err
	}
	ds := &bikeshare.Dataset{
		City:     city,
		Stations: stations,
		Trips:    trips,
		LoadedAt: time.Now(),
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
