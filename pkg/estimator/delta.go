package estimator

import (
	"fmt"
	"math"

	"github.com/soccast/soccast/pkg/types"
)

// Learner folds observed production into per-site hourly delta factors. It is
// stateless; the table being updated lives on the site.
type Learner struct {
}

// NewLearner creates a new Learner.
func NewLearner() *Learner {
	return &Learner{}
}

// sampleFilter reports whether a production sample should update the table.
type sampleFilter func(s types.ProductionSample, settings types.Settings) bool

// sampleFilters are evaluated in order; the first rejection wins.
var sampleFilters = []sampleFilter{
	socBelowCutoff,
	notOnShorePower,
	forecastNonZero,
}

// socBelowCutoff rejects hours where the bank was nearly full. A tapering
// charge controller produces below potential, so the ratio would read as a
// site problem that isn't there.
func socBelowCutoff(s types.ProductionSample, settings types.Settings) bool {
	return s.SOC < settings.DeltaSOCCutoffPercent
}

// notOnShorePower rejects hours spent plugged in, where the charger distorts
// both SoC and measured production.
func notOnShorePower(s types.ProductionSample, _ types.Settings) bool {
	return !s.ShorePower
}

// forecastNonZero rejects hours the forecast called dark. There is no ratio
// to take, and panels producing at night is a sensor glitch anyway.
func forecastNonZero(s types.ProductionSample, _ types.Settings) bool {
	return s.ForecastWatts > 0
}

// RecordSample folds one hourly observation into the site's delta table for
// the sample's hour of day. It returns true when the table changed. Samples
// at or before the hour's last update are skipped so replayed history can't
// double count, and samples rejected by a filter are skipped silently.
func (l *Learner) RecordSample(site *types.Site, s types.ProductionSample, settings types.Settings) (bool, error) {
	if s.TS.IsZero() ||
		math.IsNaN(s.ActualWatts) || math.IsNaN(s.ForecastWatts) ||
		math.IsInf(s.ActualWatts, 0) || math.IsInf(s.ForecastWatts, 0) ||
		s.ActualWatts < 0 || s.ForecastWatts < 0 ||
		math.IsNaN(s.SOC) || s.SOC < 0 || s.SOC > 100 {
		return false, fmt.Errorf("%w: ts=%s forecast=%v actual=%v soc=%v",
			types.ErrInvalidSample, s.TS, s.ForecastWatts, s.ActualWatts, s.SOC)
	}

	hour := s.TS.Hour()
	if site.Deltas == nil {
		site.Deltas = types.DeltaTable{}
	}
	entry := site.Deltas[hour]
	if !s.TS.After(entry.UpdatedAt) {
		return false, nil
	}

	for _, filter := range sampleFilters {
		if !filter(s, settings) {
			return false, nil
		}
	}

	ratio := s.ActualWatts / s.ForecastWatts

	// cap the prior's weight so an established hour can still drift with the
	// seasons
	weight := float64(entry.Count)
	if maxWeight := float64(settings.DeltaMaxWeight); weight > maxWeight {
		weight = maxWeight
	}
	factor := (entry.Factor*weight + ratio) / (weight + 1)
	if factor < settings.DeltaClampMin {
		factor = settings.DeltaClampMin
	}
	if factor > settings.DeltaClampMax {
		factor = settings.DeltaClampMax
	}

	site.Deltas[hour] = types.DeltaEntry{
		Factor:    factor,
		Count:     entry.Count + 1,
		UpdatedAt: s.TS,
	}
	return true, nil
}

// Delta returns the learned multiplier for the given hour of day, 1.0 for
// hours with no observations.
func (l *Learner) Delta(site types.Site, hour int) float64 {
	return site.Deltas.Factor(hour)
}
