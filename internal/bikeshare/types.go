package bikeshare

import (
	"errors"
	"fmt"
	"time"
)

type Station struct {
	ShortName string // unique within a city's dataset
	Name      string
	Lat       float64
	Lon       float64
}

type Trip struct {
	StartStationID string
	EndStationID   string
	StartedAt      time.Time
	EndedAt        time.Time
}

// StationTraffic is a station annotated with trip counts. TotalTraffic is
// always Arrivals + Departures.
type StationTraffic struct {
	Station
	Arrivals     int
	Departures   int
	TotalTraffic int
}

type Dataset struct {
	City     string
	Stations []Station
	Trips    []Trip
	LoadedAt time.Time
}

var ErrInvalidDataset = errors.New("invalid dataset")

// Validate checks field presence so that downstream computation can assume
// well-formed records.
func (d *Dataset) Validate() error {
	seen := make(map[string]struct{}, len(d.Stations))
	for i, s := range d.Stations {
		if s.ShortName == "" {
			return fmt.Errorf("%w: station %d has no short name", ErrInvalidDataset, i)
		}
		if _, dup := seen[s.ShortName]; dup {
			return fmt.Errorf("%w: duplicate station short name %q", ErrInvalidDataset, s.ShortName)
		}
		seen[s.ShortName] = struct{}{}
	}
	// Trip station ids may be empty (dockless rides); they simply never match.
	for i, t := range d.Trips {
		if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
			return fmt.Errorf("%w: trip %d is missing a timestamp", ErrInvalidDataset, i)
		}
	}
	return nil
}
