// Package traffic counts station arrivals and departures over a set of trips,
// optionally narrowed to a window around a minute of the day.
package traffic

import (
	"errors"
	"fmt"
	"time"

	"bikemap/internal/bikeshare"
)

const (
	// AnyTime disables time filtering.
	AnyTime = -1
	// WindowMinutes is the inclusive distance from the anchor a trip's start
	// or end time-of-day may have.
	WindowMinutes = 60

	lastMinuteOfDay = 24*60 - 1
)

var ErrInvalidAnchor = errors.New("invalid anchor minute")

// ValidateAnchor accepts AnyTime or a minute in [0, 1439].
func ValidateAnchor(anchorMinute int) error {
	if anchorMinute == AnyTime {
		return nil
	}
	if anchorMinute < 0 || anchorMinute > lastMinuteOfDay {
		return fmt.Errorf("%w: %d (want %d or 0..%d)", ErrInvalidAnchor, anchorMinute, AnyTime, lastMinuteOfDay)
	}
	return nil
}

// MinutesSinceMidnight reads hour and minute in t's own location. The date is
// ignored.
func MinutesSinceMidnight(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Aggregate annotates each station with the number of trips departing from
// and arriving at it. Output order matches stations; inputs are not modified.
func Aggregate(stations []bikeshare.Station, trips []bikeshare.Trip) []bikeshare.StationTraffic {
	departures := make(map[string]int)
	arrivals := make(map[string]int)
	for _, t := range trips {
		departures[t.StartStationID]++
		arrivals[t.EndStationID]++
	}

	out := make([]bikeshare.StationTraffic, len(stations))
	for i, s := range stations {
		st := bikeshare.StationTraffic{
			Station:    s,
			Arrivals:   arrivals[s.ShortName],
			Departures: departures[s.ShortName],
		}
		st.TotalTraffic = st.Arrivals + st.Departures
		out[i] = st
	}
	return out
}

// FilterByTime keeps trips that start or end within WindowMinutes of
// anchorMinute. The window does not wrap around midnight. With AnyTime the
// result holds every trip in input order.
func FilterByTime(trips []bikeshare.Trip, anchorMinute int) ([]bikeshare.Trip, error) {
	if err := ValidateAnchor(anchorMinute); err != nil {
		return nil, err
	}
	if anchorMinute == AnyTime {
		out := make([]bikeshare.Trip, len(trips))
		copy(out, trips)
		return out, nil
	}

	out := make([]bikeshare.Trip, 0, len(trips))
	for _, t := range trips {
		if near(MinutesSinceMidnight(t.StartedAt), anchorMinute) ||
			near(MinutesSinceMidnight(t.EndedAt), anchorMinute) {
			out = append(out, t)
		}
	}
	return out, nil
}

func near(minute, anchor int) bool {
	d := minute - anchor
	if d < 0 {
		d = -d
	}
	return d <= WindowMinutes
}

type Result struct {
	AnchorMinute  int
	Stations      []bikeshare.StationTraffic
	TripsTotal    int
	TripsFiltered int
	MaxTraffic    int
	// DomainMax is the busiest station's traffic over all trips. Marker
	// sizes are scaled against it whatever the anchor.
	DomainMax int
}

// Compute re-filters the full trip set and re-aggregates against every
// station. Nothing is cached between calls.
func Compute(stations []bikeshare.Station, trips []bikeshare.Trip, anchorMinute int) (Result, error) {
	filtered, err := FilterByTime(trips, anchorMinute)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		AnchorMinute:  anchorMinute,
		Stations:      Aggregate(stations, filtered),
		TripsTotal:    len(trips),
		TripsFiltered: len(filtered),
	}
	res.MaxTraffic = maxTraffic(res.Stations)
	if anchorMinute == AnyTime {
		res.DomainMax = res.MaxTraffic
	} else {
		res.DomainMax = maxTraffic(Aggregate(stations, trips))
	}
	return res, nil
}

func maxTraffic(stations []bikeshare.StationTraffic) int {
	m := 0
	for _, s := range stations {
		if s.TotalTraffic > m {
			m = s.TotalTraffic
		}
	}
	return m
}
