package estimator

import (
	"context"
	"log/slog"
	"time"

	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

// simHorizonSteps is how many steps Simulate walks. The first step only
// covers the remainder of the current hour, so the horizon ends just under
// two days out.
const simHorizonSteps = 48

// SimulationInput bundles everything Simulate needs to project battery state.
type SimulationInput struct {
	// Curve is the production forecast, already delta-adjusted if the site
	// has learned corrections.
	Curve types.ForecastCurve
	// LoadWatts is the sustained draw, assumed constant over the horizon.
	LoadWatts  float64
	CurrentSOC float64

	BatteryCapacityAH float64
	NominalVoltage    float64
	// FullThresholdPercent is the SoC at or above which the bank counts as
	// fully charged.
	FullThresholdPercent float64

	// CurrentDelta is the correction factor for the current hour, carried
	// through to the result for display.
	CurrentDelta float64
	Now          time.Time
}

// Simulate walks the battery state forward hour by hour, charging by the
// forecast curve and discharging by the sustained load. The first step is
// scaled to the fraction of the current hour remaining so FullAt lands with
// minute resolution instead of snapping to an hour boundary.
func Simulate(ctx context.Context, in SimulationInput) types.SimulationResult {
	soc := in.CurrentSOC

	year, month, day := in.Now.Date()
	nextMidnight := time.Date(year, month, day+1, 0, 0, 0, 0, in.Now.Location())
	dayAfterMidnight := nextMidnight.AddDate(0, 0, 1)

	result := types.SimulationResult{
		PeakSOCToday: soc,
		MinSOC:       soc,
		MinSOCAt:     in.Now,
		CurrentDelta: in.CurrentDelta,
		Hours:        make([]types.SimHour, 0, simHorizonSteps),
	}
	if soc >= in.FullThresholdPercent {
		fullAt := in.Now
		result.FullAt = &fullAt
	}

	stepStart := in.Now
	for i := 0; i < simHorizonSteps; i++ {
		stepEnd := stepStart.Truncate(time.Hour).Add(time.Hour)
		hours := stepEnd.Sub(stepStart).Hours()

		prodWatts := in.Curve.WattsAt(stepStart)
		netWH := (prodWatts - in.LoadWatts) * hours
		deltaSOC := netWH / in.NominalVoltage / in.BatteryCapacityAH * 100
		raw := soc + deltaSOC

		if result.FullAt == nil && raw >= in.FullThresholdPercent {
			// interpolate within the step; raw > soc here so deltaSOC > 0
			fullFrac := (in.FullThresholdPercent - soc) / deltaSOC
			fullAt := stepStart.Add(time.Duration(fullFrac * float64(stepEnd.Sub(stepStart))))
			result.FullAt = &fullAt
		}

		soc = raw
		if soc > 100 {
			soc = 100
		}
		if soc < 0 {
			soc = 0
		}

		// attribute the step to a calendar day by where it ends
		switch {
		case !stepEnd.After(nextMidnight):
			if soc > result.PeakSOCToday {
				result.PeakSOCToday = soc
			}
			result.EnergyTodayRemainingKWH += prodWatts * hours / 1000
		case !stepEnd.After(dayAfterMidnight):
			if soc > result.PeakSOCTomorrow {
				result.PeakSOCTomorrow = soc
			}
			result.EnergyTomorrowKWH += prodWatts * hours / 1000
		}

		if soc < result.MinSOC {
			result.MinSOC = soc
			result.MinSOCAt = stepEnd
		}

		result.Hours = append(result.Hours, types.SimHour{
			TS:              stepStart,
			ProductionWatts: prodWatts,
			LoadWatts:       in.LoadWatts,
			SOC:             soc,
		})
		stepStart = stepEnd
	}

	log.Ctx(ctx).DebugContext(ctx, "simulation complete",
		slog.Float64("startSOC", in.CurrentSOC),
		slog.Float64("loadWatts", in.LoadWatts),
		slog.Float64("peakToday", result.PeakSOCToday),
		slog.Float64("peakTomorrow", result.PeakSOCTomorrow),
		slog.Float64("minSOC", result.MinSOC),
		slog.Bool("reachesFull", result.FullAt != nil),
	)
	return result
}
