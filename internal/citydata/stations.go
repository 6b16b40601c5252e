package citydata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bikemap/internal/bikeshare"
)

// stationInformation mirrors the GBFS station_information feed.
type stationInformation struct {
	Data struct {
		Stations []stationRecord `json:"stations"`
	} `json:"data"`
}

type stationRecord struct {
	ShortName flexString `json:"short_name"`
	Name      string     `json:"name"`
	Lat       flexFloat  `json:"lat"`
	Lon       flexFloat  `json:"lon"`
}

// flexFloat accepts both 42.36 and "42.36".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexString accepts both "A32000" and 32000.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(b)
	return nil
}

// DecodeStations reads a station_information document. Stations without a
// short name cannot be matched against trips and are skipped.
func DecodeStations(r io.Reader) ([]bikeshare.Station, error) {
	var doc stationInformation
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode station information: %w", err)
	}
	stations := make([]bikeshare.Station, 0, len(doc.Data.Stations))
	for _, rec := range doc.Data.Stations {
		id := strings.TrimSpace(string(rec.ShortName))
		if id == "" {
			continue
		}
		stations = append(stations, bikeshare.Station{
			ShortName: id,
			Name:      rec.Name,
			Lat:       float64(rec.Lat),
			Lon:       float64(rec.Lon),
		})
	}
	return stations, nil
}
