package citydata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"bikemap/internal/bikeshare"
)

// TripColumns are the columns the traffic computation needs, in the order
// Subset writes them.
var TripColumns = []string{"start_station_id", "end_station_id", "started_at", "ended_at"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts the layouts bike-share operators publish. Values
// without an offset are read in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// columnIndex maps each of TripColumns to its position in header.
func columnIndex(header []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	idx := make([]int, len(TripColumns))
	var missing []string
	for i, c := range TripColumns {
		p, ok := pos[c]
		if !ok {
			missing = append(missing, c)
			continue
		}
		idx[i] = p
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("trips csv missing columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

// ReadTrips parses a trips CSV. Columns may appear in any order and extra
// columns are ignored.
func ReadTrips(r io.Reader, loc *time.Location) ([]bikeshare.Trip, error) {
	if loc == nil {
		loc = time.Local
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("trips csv is empty")
		}
		return nil, fmt.Errorf("read trips header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var trips []bikeshare.Trip
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("trips csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < len(header) {
			return nil, fmt.Errorf("trips csv line %d: expected %d fields, got %d", line, len(header), len(rec))
		}
		started, err := ParseTimestamp(rec[idx[2]], loc)
		if err != nil {
			return nil, fmt.Errorf("trips csv line %d: started_at: %w", line, err)
		}
		ended, err := ParseTimestamp(rec[idx[3]], loc)
		if err != nil {
			return nil, fmt.Errorf("trips csv line %d: ended_at: %w", line, err)
		}
		trips = append(trips, bikeshare.Trip{
			StartStationID: strings.TrimSpace(rec[idx[0]]),
			EndStationID:   strings.TrimSpace(rec[idx[1]]),
			StartedAt:      started,
			EndedAt:        ended,
		})
	}
	return trips, nil
}

// Subset copies the first fraction of trip rows from r to w, keeping only
// TripColumns. The input is read twice, once to count rows and once to copy
// them, so neither pass holds the export in memory. It returns the number of
// rows written.
func Subset(r io.ReadSeeker, w io.Writer, fraction float64) (int, error) {
	if fraction < 0 || fraction > 1 {
		return 0, fmt.Errorf("fraction must be within [0,1], got %v", fraction)
	}
	total, err := countRows(r)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind trips csv: %w", err)
	}
	return SubsetRows(r, w, int(fraction*float64(total)))
}

// SubsetRows streams the first limit trip rows from r to w, keeping only
// TripColumns.
func SubsetRows(r io.Reader, w io.Writer, limit int) (int, error) {
	if limit < 0 {
		return 0, fmt.Errorf("row limit must not be negative, got %d", limit)
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, errors.New("trips csv is empty")
		}
		return 0, fmt.Errorf("read trips header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(TripColumns); err != nil {
		return 0, err
	}
	out := make([]string, len(TripColumns))
	n := 0
	for n < limit {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("trips csv: %w", err)
		}
		for i, p := range idx {
			if p >= len(rec) {
				line, _ := cr.FieldPos(0)
				return n, fmt.Errorf("trips csv line %d: missing %s", line, TripColumns[i])
			}
			out[i] = rec[p]
		}
		if err := cw.Write(out); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}

// countRows counts data records after the header.
func countRows(r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	n := -1
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("trips csv: %w", err)
		}
		n++
	}
	if n < 0 {
		return 0, errors.New("trips csv is empty")
	}
	return n, nil
}
