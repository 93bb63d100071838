package platform

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

const (
	// parked at Smith Rock
	mockLatitude  = 44.282
	mockLongitude = -121.310

	mockStartSOC        = 58.0
	mockBatteryVolts    = 12.8
	mockBatteryAmpHours = 200.0
)

// Mock simulates a plausible off-grid day without any hardware. Every value
// is a pure function of wall time, so restarts and repeated calls tell a
// consistent story.
type Mock struct {
	now func() time.Time

	mu      sync.Mutex
	sensors map[string]types.SensorState
}

// NewMock creates a mock platform.
func NewMock() *Mock {
	return &Mock{
		now:     time.Now,
		sensors: make(map[string]types.SensorState),
	}
}

// CurrentReadings returns the simulated snapshot for right now. ACVolts is
// always nil since the simulated vehicle never plugs in.
func (m *Mock) CurrentReadings(ctx context.Context) (types.Readings, error) {
	now := m.now()
	soc := m.socAt(now)
	lat := mockLatitude
	lon := mockLongitude
	load := mockLoadWatts(hourOf(now))
	solar := mockSolarWatts(hourOf(now))

	return types.Readings{
		Timestamp:  now,
		SOC:        &soc,
		Latitude:   &lat,
		Longitude:  &lon,
		LoadWatts:  &load,
		SolarWatts: &solar,
	}, nil
}

// History generates the entity's synthetic series at five minute spacing.
func (m *Mock) History(ctx context.Context, entity Entity, start, end time.Time) ([]types.StatePoint, error) {
	if entity == EntityACVolts {
		return nil, nil
	}

	var points []types.StatePoint
	for ts := start.Truncate(5 * time.Minute); ts.Before(end); ts = ts.Add(5 * time.Minute) {
		var v float64
		switch entity {
		case EntitySOC:
			v = m.socAt(ts)
		case EntityLoad:
			v = mockLoadWatts(hourOf(ts))
		case EntitySolar:
			v = mockSolarWatts(hourOf(ts))
		case EntityForecast:
			// the mock's panels underperform their forecast by 20%
			v = mockSolarWatts(hourOf(ts)) * 1.25
		case EntityLatitude:
			v = mockLatitude
		case EntityLongitude:
			v = mockLongitude
		default:
			return nil, nil
		}
		points = append(points, types.StatePoint{TS: ts, Value: v})
	}
	return points, nil
}

// SetSensor records the sensor so tests and development runs can inspect
// what would have been published.
func (m *Mock) SetSensor(ctx context.Context, state types.SensorState) error {
	m.mu.Lock()
	m.sensors[state.EntityID] = state
	m.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "mock sensor set", slog.String("entityID", state.EntityID), slog.String("state", state.State))
	return nil
}

// Sensors returns everything SetSensor has recorded.
func (m *Mock) Sensors() []types.SensorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.SensorState, 0, len(m.sensors))
	for _, s := range m.sensors {
		out = append(out, s)
	}
	return out
}

// socAt integrates the net flow in five minute steps from the most recent
// midnight, which always starts at the same charge.
func (m *Mock) socAt(ts time.Time) float64 {
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	soc := mockStartSOC

	for stepStart := midnight; stepStart.Before(ts); {
		stepEnd := stepStart.Add(5 * time.Minute)
		if stepEnd.After(ts) {
			stepEnd = ts
		}
		hours := stepEnd.Sub(stepStart).Hours()
		stepMid := stepStart.Add(stepEnd.Sub(stepStart) / 2)

		netWH := (mockSolarWatts(hourOf(stepMid)) - mockLoadWatts(hourOf(stepMid))) * hours
		soc += netWH / mockBatteryVolts / mockBatteryAmpHours * 100

		if soc > 100 {
			soc = 100
		}
		if soc < 0 {
			soc = 0
		}
		stepStart = stepEnd
	}
	return soc
}

func hourOf(ts time.Time) float64 {
	return float64(ts.Hour()) + float64(ts.Minute())/60.0
}

// mockLoadWatts cycles between light and heavy draw every few hours, the way
// a fridge and intermittent electronics would.
func mockLoadWatts(hour float64) float64 {
	w := 120 + 60*math.Sin(hour*math.Pi/4)
	if w < 40 {
		w = 40
	}
	return w
}

// mockSolarWatts is a bell curve peaking shortly after noon, sized for a
// small rooftop array.
func mockSolarWatts(hour float64) float64 {
	if hour < 6 || hour > 19 {
		return 0
	}
	return 450 * math.Sin((hour-6)/13*math.Pi)
}
