package types

import "time"

const (
	CurrentSiteVersion      = 1
	CurrentRunRecordVersion = 1

	SiteIDNone = "none"
)

// Site represents a remembered physical location with its own learned solar
// correction history. Sites are never merged or deleted; a revisited
// coordinate resumes exactly where it left off.
type Site struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Representative coordinate for proximity matching.
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	// Per-hour forecast corrections learned at this location.
	Deltas     DeltaTable `json:"deltaTable"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastSeenAt time.Time  `json:"lastSeenAt"`
}

// DeltaTable maps hour-of-day (0-23) to the learned correction for that hour.
type DeltaTable map[int]DeltaEntry

// DeltaEntry is the running correction factor for a single hour-of-day.
type DeltaEntry struct {
	Factor    float64   `json:"factor"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Factor returns the correction factor for the given hour-of-day. Hours with
// no recorded samples return the 1.0 identity so a fresh site simulates
// against the raw forecast.
func (t DeltaTable) Factor(hour int) float64 {
	if e, ok := t[hour]; ok && e.Count > 0 {
		return e.Factor
	}
	return 1.0
}

// ProductionSample is one historical hour of measured solar production paired
// with what the raw forecast promised for that hour. Samples are consumed
// immediately by the learner and not retained.
type ProductionSample struct {
	TS            time.Time `json:"ts"`
	ForecastWatts float64   `json:"forecastWatts"`
	ActualWatts   float64   `json:"actualWatts"`
	SOC           float64   `json:"soc"` // 0-100 at the end of the hour
	ShorePower    bool      `json:"shorePower"`
}

// LoadSample is a single reading from the DC load sensor. Watts may be
// negative when shore power is charging through the DC bus.
type LoadSample struct {
	TS    time.Time `json:"ts"`
	Watts float64   `json:"watts"`
}

// ForecastPoint is one hour of predicted production.
type ForecastPoint struct {
	TS    time.Time `json:"ts"`
	Watts float64   `json:"watts"`
}

// ForecastCurve is an hourly production forecast sorted ascending by time,
// covering today and tomorrow in site-local timestamps.
type ForecastCurve []ForecastPoint

// WattsAt returns the forecast watts for the hour containing ts, or 0 when
// the curve has no point for that hour (night gaps).
func (c ForecastCurve) WattsAt(ts time.Time) float64 {
	hour := ts.Truncate(time.Hour)
	for _, p := range c {
		if p.TS.Truncate(time.Hour).Equal(hour) {
			return p.Watts
		}
	}
	return 0
}

// ForecastCache is the last successfully fetched raw curve, persisted so a
// run with an unreachable forecast source can still simulate.
type ForecastCache struct {
	FetchedAt time.Time     `json:"fetchedAt"`
	Curve     ForecastCurve `json:"curve"`
	// RetryAfter is set when the source rate-limited us; no refetch should
	// be attempted before this time.
	RetryAfter time.Time `json:"retryAfter,omitempty"`
}

// SimHour is one step of the forward simulation.
type SimHour struct {
	TS              time.Time `json:"ts"`
	ProductionWatts float64   `json:"productionWatts"`
	LoadWatts       float64   `json:"loadWatts"`
	SOC             float64   `json:"soc"` // simulated SoC at the end of the hour
}

// SimulationResult is the outcome of one 48 hour forward walk. Recomputed
// fully every run; nothing in it survives between runs.
type SimulationResult struct {
	PeakSOCToday    float64   `json:"peakSOCToday"`
	PeakSOCTomorrow float64   `json:"peakSOCTomorrow"`
	MinSOC          float64   `json:"minSOC"`
	MinSOCAt        time.Time `json:"minSOCAt"`
	// FullAt is the projected time the bank reaches the full threshold. nil
	// means the simulation never got there (indeterminate, not "never").
	FullAt *time.Time `json:"fullAt,omitempty"`
	// CurrentDelta is the correction factor applied to the current hour.
	CurrentDelta            float64   `json:"currentDelta"`
	EnergyTodayRemainingKWH float64   `json:"energyTodayRemainingKWH"`
	EnergyTomorrowKWH       float64   `json:"energyTomorrowKWH"`
	Hours                   []SimHour `json:"hours,omitempty"`
}

// SkipReason explains why a run published nothing. Skips are reported with a
// 200 status so the scheduler does not retry them.
type SkipReason string

const (
	SkipReasonNone             SkipReason = ""
	SkipReasonNoSite           SkipReason = "noSite"
	SkipReasonNoReadings       SkipReason = "noReadings"
	SkipReasonNoForecast       SkipReason = "noForecast"
	SkipReasonInsufficientLoad SkipReason = "insufficientLoad"
)

// RunRecord captures one pipeline run for the history API and for locating
// the last active site after a restart.
type RunRecord struct {
	Timestamp    time.Time         `json:"timestamp"`
	SiteID       string            `json:"siteID"`
	SiteCreated  bool              `json:"siteCreated,omitempty"`
	SOC          float64           `json:"soc"`
	LoadWatts    float64           `json:"loadWatts"`
	LearnedHours int               `json:"learnedHours"`
	Result       *SimulationResult `json:"result,omitempty"`
	Published    bool              `json:"published"`
	Skipped      SkipReason        `json:"skipped,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Readings is one snapshot of the real-time sensor feed. Pointer fields are
// nil when the platform could not produce a numeric value for that entity.
type Readings struct {
	Timestamp  time.Time `json:"timestamp"`
	SOC        *float64  `json:"soc,omitempty"`
	Latitude   *float64  `json:"lat,omitempty"`
	Longitude  *float64  `json:"lon,omitempty"`
	LoadWatts  *float64  `json:"loadWatts,omitempty"`
	ACVolts    *float64  `json:"acVolts,omitempty"`
	SolarWatts *float64  `json:"solarWatts,omitempty"`
}

// StatePoint is one numeric state from the platform's history API.
type StatePoint struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// SensorState is one sensor value pushed to a publisher. State is already
// formatted for display; Attributes carry units, icons, and raw values.
type SensorState struct {
	EntityID   string         `json:"entityID"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}
