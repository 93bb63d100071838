package estimator

import (
	"math"
	"sort"
	"time"

	"github.com/soccast/soccast/pkg/types"
)

// loadFilterMinSamples is the smallest window the spike filter runs on.
// Below this the quartiles are too noisy to reject anything.
const loadFilterMinSamples = 4

// LoadWindow holds recent DC load samples and produces a robust estimate of
// the sustained draw. Samples are kept ordered by time.
type LoadWindow struct {
	samples []types.LoadSample
}

// NewLoadWindow creates a LoadWindow seeded with the given samples.
func NewLoadWindow(samples []types.LoadSample) *LoadWindow {
	w := &LoadWindow{}
	for _, s := range samples {
		w.Add(s)
	}
	return w
}

// Add inserts a sample in time order.
func (w *LoadWindow) Add(s types.LoadSample) {
	w.samples = append(w.samples, s)
	for i := len(w.samples) - 1; i > 0 && w.samples[i].TS.Before(w.samples[i-1].TS); i-- {
		w.samples[i], w.samples[i-1] = w.samples[i-1], w.samples[i]
	}
}

// Trim drops samples older than cutoff.
func (w *LoadWindow) Trim(cutoff time.Time) {
	i := 0
	for i < len(w.samples) && w.samples[i].TS.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

// Len returns the number of retained samples.
func (w *LoadWindow) Len() int {
	return len(w.samples)
}

// Estimate returns the sustained load in watts. Samples older than
// max(now−LoadWindow, since) are ignored; since carries the shore-power
// truncation, and when it empties the window entirely the full window is used
// instead (stale data beats none). With at least loadFilterMinSamples
// candidates, samples outside LoadIQRCutoff interquartile ranges of the
// median are discarded, then the survivors are averaged with extra weight on
// anything within LoadRecentHours of now. Returns types.ErrInsufficientData
// when no samples qualify.
func (w *LoadWindow) Estimate(now, since time.Time, settings types.Settings) (float64, error) {
	windowStart := now.Add(-settings.LoadWindow())
	cutoff := windowStart
	if since.After(cutoff) {
		cutoff = since
	}

	candidates := w.since(cutoff)
	if len(candidates) == 0 && cutoff.After(windowStart) {
		candidates = w.since(windowStart)
	}
	if len(candidates) == 0 {
		return 0, types.ErrInsufficientData
	}

	kept := candidates
	if len(candidates) >= loadFilterMinSamples {
		values := make([]float64, len(candidates))
		for i, s := range candidates {
			values[i] = s.Watts
		}
		sort.Float64s(values)
		median := percentile(values, 50)
		iqr := percentile(values, 75) - percentile(values, 25)

		kept = make([]types.LoadSample, 0, len(candidates))
		for _, s := range candidates {
			if math.Abs(s.Watts-median) <= settings.LoadIQRCutoff*iqr {
				kept = append(kept, s)
			}
		}
	}

	recentCutoff := now.Add(-settings.LoadRecency())
	var total, weights float64
	for _, s := range kept {
		weight := 1.0
		if settings.LoadRecentWeight > 0 && !s.TS.Before(recentCutoff) {
			weight = settings.LoadRecentWeight
		}
		total += s.Watts * weight
		weights += weight
	}
	return total / weights, nil
}

// since returns the samples at or after cutoff. The window is ordered, so
// this is the tail starting at the first qualifying sample.
func (w *LoadWindow) since(cutoff time.Time) []types.LoadSample {
	for i, s := range w.samples {
		if !s.TS.Before(cutoff) {
			return w.samples[i:]
		}
	}
	return nil
}

// percentile returns the p-th percentile of sorted values using linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}
