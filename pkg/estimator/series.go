package estimator

import (
	"time"

	"github.com/soccast/soccast/pkg/types"
)

// HourlyAverage integrates the points inside [start, end) with the trapezoid
// rule and divides by the covered span. A single point stands for the whole
// interval. The bool is false when no point falls inside the interval.
func HourlyAverage(points []types.StatePoint, start, end time.Time) (float64, bool) {
	var inside []types.StatePoint
	for _, p := range points {
		if p.TS.Before(start) || !p.TS.Before(end) {
			continue
		}
		inside = append(inside, p)
	}
	if len(inside) == 0 {
		return 0, false
	}
	if len(inside) == 1 {
		return inside[0].Value, true
	}

	var wattSeconds float64
	for i := 1; i < len(inside); i++ {
		dt := inside[i].TS.Sub(inside[i-1].TS).Seconds()
		wattSeconds += (inside[i].Value + inside[i-1].Value) / 2 * dt
	}
	span := inside[len(inside)-1].TS.Sub(inside[0].TS).Seconds()
	if span <= 0 {
		return inside[0].Value, true
	}
	return wattSeconds / span, true
}

// ValueAt returns the last value at or before ts, or the first later point
// when the series starts afterwards.
func ValueAt(points []types.StatePoint, ts time.Time) float64 {
	if len(points) == 0 {
		return 0
	}
	v := points[0].Value
	for _, p := range points {
		if p.TS.After(ts) {
			break
		}
		v = p.Value
	}
	return v
}

// AnyAtOrAbove reports whether any point inside [start, end) reaches min.
func AnyAtOrAbove(points []types.StatePoint, start, end time.Time, min float64) bool {
	for _, p := range points {
		if p.TS.Before(start) || !p.TS.Before(end) {
			continue
		}
		if p.Value >= min {
			return true
		}
	}
	return false
}
