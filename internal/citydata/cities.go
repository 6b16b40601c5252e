package citydata

import (
	"fmt"
	"sort"
	"strings"
)

// BikeLaneLayer is a bike network overlay the renderer draws under the
// station markers.
type BikeLaneLayer struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	LayerID string `json:"layerId"`
}

type City struct {
	Name        string
	Center      [2]float64 // lon, lat
	StationsURL string
	TripsURL    string
	BikeLanes   []BikeLaneLayer
}

var cities = map[string]City{
	"boston": {
		Name:        "Boston",
		Center:      [2]float64{-71.09415, 42.36027},
		StationsURL: "https://dsc106.com/labs/lab07/data/bluebikes-stations.json",
		TripsURL:    "https://dsc106.com/labs/lab07/data/bluebikes-traffic-2024-03.csv",
		BikeLanes: []BikeLaneLayer{
			{
				ID:      "boston_route",
				URL:     "https://bostonopendata-boston.opendata.arcgis.com/datasets/boston::existing-bike-network-2022.geojson",
				LayerID: "bike-lanes-boston",
			},
			{
				ID:      "cambridge_route",
				URL:     "https://raw.githubusercontent.com/cambridgegis/cambridgegis_data/main/Recreation/Bike_Facilities/RECREATION_BikeFacilities.geojson",
				LayerID: "bike-lanes-cambridge",
			},
		},
	},
	"chicago": {
		Name:        "Chicago",
		Center:      [2]float64{-87.60039530235866, 41.79060835668532},
		StationsURL: "https://gbfs.lyft.com/gbfs/2.3/chi/en/station_information.json",
		TripsURL:    "assets/divvy_subset.csv",
		BikeLanes: []BikeLaneLayer{
			{
				ID:      "chicago_route",
				URL:     "https://data.cityofchicago.org/resource/hvv9-38ut.geojson",
				LayerID: "bike-lanes-chicago",
			},
		},
	},
}

// Lookup finds a city by case-insensitive name.
func Lookup(name string) (City, error) {
	c, ok := cities[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return City{}, fmt.Errorf("unknown city %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

func Names() []string {
	names := make([]string, 0, len(cities))
	for _, c := range cities {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}
