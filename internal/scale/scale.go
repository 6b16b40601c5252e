// Package scale maps station traffic onto the marker encodings the map
// renderer consumes: a square-root radius and a quantized departure ratio.
package scale

import (
	"fmt"
	"math"
)

const (
	anyTime = -1

	// FlowArrivals, FlowBalanced and FlowDepartures are the quantized
	// departure-ratio buckets.
	FlowArrivals   = 0.0
	FlowBalanced   = 0.5
	FlowDepartures = 1.0
)

// Sqrt maps [0, DomainMax] onto [RangeMin, RangeMax] so that area, not
// radius, grows linearly with the value.
type Sqrt struct {
	DomainMax float64
	RangeMin  float64
	RangeMax  float64
}

func NewSqrt(domainMax float64, rangeMin, rangeMax float64) Sqrt {
	return Sqrt{DomainMax: domainMax, RangeMin: rangeMin, RangeMax: rangeMax}
}

// Apply clamps v to the domain. A zero-width domain maps everything to RangeMin.
func (s Sqrt) Apply(v float64) float64 {
	if s.DomainMax <= 0 || math.IsNaN(v) || v <= 0 {
		return s.RangeMin
	}
	if v > s.DomainMax {
		v = s.DomainMax
	}
	return s.RangeMin + (s.RangeMax-s.RangeMin)*math.Sqrt(v/s.DomainMax)
}

// RadiusRange gives the marker radius range: wider when a time filter is
// active so the smaller filtered counts stay visible.
func RadiusRange(anchorMinute int) (lo, hi float64) {
	if anchorMinute == anyTime {
		return 0, 25
	}
	return 3, 50
}

// RadiusScale builds the radius scale for a recomputation.
func RadiusScale(maxTraffic int, anchorMinute int) Sqrt {
	lo, hi := RadiusRange(anchorMinute)
	return NewSqrt(float64(maxTraffic), lo, hi)
}

// DepartureRatio is departures/total, or 0 for a station with no traffic.
func DepartureRatio(departures, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(departures) / float64(total)
}

// QuantizeFlow splits [0,1] into equal thirds and returns the bucket value.
func QuantizeFlow(ratio float64) float64 {
	buckets := []float64{FlowArrivals, FlowBalanced, FlowDepartures}
	if math.IsNaN(ratio) || ratio <= 0 {
		return buckets[0]
	}
	i := int(ratio * float64(len(buckets)))
	if i >= len(buckets) {
		i = len(buckets) - 1
	}
	return buckets[i]
}

// FormatMinute renders a minute of day the way the time slider shows it,
// e.g. "8:00 AM".
func FormatMinute(minute int) string {
	if minute == anyTime {
		return "any time"
	}
	h, m := minute/60, minute%60
	suffix := "AM"
	if h >= 12 {
		suffix = "PM"
	}
	h %= 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, m, suffix)
}
