package forecast

import (
	"context"
	"math"
	"time"

	"github.com/soccast/soccast/pkg/types"
)

// Static returns a synthetic clear-sky curve scaled to the array size. It
// exists so the pipeline can run end to end without network access.
type Static struct{}

// Forecast returns a 48 hour bell curve peaking at solar noon.
func (s *Static) Forecast(ctx context.Context, lat, lon, capacityKW float64) (types.ForecastCurve, time.Time, error) {
	now := time.Now()
	start := now.Truncate(time.Hour)
	curve := make(types.ForecastCurve, 0, 48)
	for i := 0; i < 48; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		curve = append(curve, types.ForecastPoint{TS: ts, Watts: staticWatts(ts, capacityKW)})
	}
	return curve, now, nil
}

func staticWatts(ts time.Time, capacityKW float64) float64 {
	h := float64(ts.Hour())
	if h < 7 || h > 19 {
		return 0
	}
	// sin^2 ramps from sunrise at 7 to a peak at 13 and back down by 19
	frac := math.Sin((h - 7) / 12 * math.Pi)
	return capacityKW * 1000 * frac * frac
}
