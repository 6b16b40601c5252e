// Package citydata knows the supported bike-share cities and loads their
// station information and trip history from URLs or local files.
package citydata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bikemap/internal/bikeshare"
)

// Source loads a city's dataset over HTTP or from disk.
type Source struct {
	client   *http.Client
	location *time.Location

	// Optional overrides of the city defaults. When OverrideCity is set they
	// apply to that city only.
	StationsURL  string
	TripsURL     string
	OverrideCity string
}

func NewSource(timeout time.Duration, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{
		client:   &http.Client{Timeout: timeout},
		location: loc,
	}
}

// Load fetches stations and trips for city and validates the result.
func (s *Source) Load(ctx context.Context, city string) (*bikeshare.Dataset, error) {
	c, err := Lookup(city)
	if err != nil {
		return nil, err
	}
	stationsURL, tripsURL := s.urlsFor(c)

	var stations []bikeshare.Station
	err = s.open(ctx, stationsURL, func(r io.Reader) error {
		var derr error
		stations, derr = DecodeStations(r)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("load stations for %s: %w", c.Name, err)
	}

	var trips []bikeshare.Trip
	err = s.open(ctx, tripsURL, func(r io.Reader) error {
		var rerr error
		trips, rerr = ReadTrips(r, s.location)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("load trips for %s: %w", c.Name, err)
	}

	ds := &bikeshare.Dataset{
		City:     c.Name,
		Stations: stations,
		Trips:    trips,
		LoadedAt: time.Now(),
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *Source) urlsFor(c City) (stationsURL, tripsURL string) {
	if s.OverrideCity != "" && !strings.EqualFold(s.OverrideCity, c.Name) {
		return c.StationsURL, c.TripsURL
	}
	return firstNonEmpty(s.StationsURL, c.StationsURL), firstNonEmpty(s.TripsURL, c.TripsURL)
}

// open hands fn a reader over an http(s) URL or a local file path.
func (s *Source) open(ctx context.Context, location string, fn func(io.Reader) error) error {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		f, err := os.Open(strings.TrimPrefix(location, "file://"))
		if err != nil {
			return err
		}
		defer f.Close()
		return fn(f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", location, resp.Status)
	}
	return fn(resp.Body)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
