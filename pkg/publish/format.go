package publish

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/soccast/soccast/pkg/types"
)

// Input carries a finished simulation plus the context needed to render it.
type Input struct {
	Result     types.SimulationResult
	CurrentSOC float64
	LoadWatts  float64
	Deltas     types.DeltaTable
	Settings   types.Settings
	Now        time.Time
}

// BuildStates renders the simulation into the published sensor set. All
// display formatting lives here; the simulation only deals in numbers and
// timestamps.
func BuildStates(in Input) []types.SensorState {
	states := []types.SensorState{
		sensorState("sensor.average_load", strconv.Itoa(int(math.Round(in.LoadWatts))), map[string]any{
			"unit_of_measurement": "W",
			"display":             humanize.SIWithDigits(in.LoadWatts, 1, "W"),
		}),
	}

	peakToday := displaySOC(in.Result.PeakSOCToday, in.Settings.FullThresholdPercent)
	peakTomorrow := displaySOC(in.Result.PeakSOCTomorrow, in.Settings.FullThresholdPercent)
	states = append(states,
		sensorState("sensor.expected_peak_soc_today", strconv.Itoa(peakToday), map[string]any{
			"icon":                batteryIcon(float64(peakToday)),
			"unit_of_measurement": "%",
		}),
		sensorState("sensor.expected_peak_soc_tomorrow", strconv.Itoa(peakTomorrow), map[string]any{
			"icon":                batteryIcon(float64(peakTomorrow)),
			"unit_of_measurement": "%",
		}),
		sensorState("sensor.expected_minimum_soc", strconv.Itoa(int(math.Round(in.Result.MinSOC))), map[string]any{
			"icon":                batteryIcon(in.Result.MinSOC),
			"unit_of_measurement": "%",
		}),
		sensorState("sensor.time_to_minimum_soc", timeToMinimum(in.Result.MinSOCAt, in.Now), map[string]any{
			"icon": "mdi:clock-alert",
		}),
	)

	timeUntil, chargedTime, chargeIcon := chargeStrings(in.Result.FullAt, in.CurrentSOC, in.Settings.FullThresholdPercent, in.Now)
	states = append(states,
		types.SensorState{
			EntityID: "sensor.time_until_charged",
			State:    timeUntil,
			Attributes: map[string]any{
				"icon":          chargeIcon,
				"friendly_name": "Time Until Charged",
				"unique_id":     "sensor_time_until_charged",
			},
		},
		types.SensorState{
			EntityID: "sensor.charged_time",
			State:    chargedTime,
			Attributes: map[string]any{
				"icon":          chargeIcon,
				"friendly_name": "Charged Time",
				"unique_id":     "sensor_charged_time",
			},
		},
	)

	delta := "unknown"
	if e, ok := in.Deltas[in.Now.Hour()]; ok {
		delta = fmt.Sprintf("%.4f", e.Factor)
	}
	states = append(states,
		sensorState("sensor.solar_production_delta", delta, map[string]any{
			"schema":              deltaSchema(in.Deltas),
			"unit_of_measurement": "",
			"friendly_name":       "Solar Production Delta",
			"current_hour":        in.Now.Hour(),
		}),
		sensorState("sensor.calculated_energy_production_today_remaining", fmt.Sprintf("%.3f", in.Result.EnergyTodayRemainingKWH), map[string]any{
			"unit_of_measurement": "kWh",
			"icon":                "mdi:solar-power",
		}),
		sensorState("sensor.calculated_energy_production_tomorrow", fmt.Sprintf("%.3f", in.Result.EnergyTomorrowKWH), map[string]any{
			"unit_of_measurement": "kWh",
			"icon":                "mdi:solar-power",
		}),
	)

	return states
}

// sensorState merges the shared state_class attribute into a sensor's own.
func sensorState(entityID, state string, attrs map[string]any) types.SensorState {
	merged := map[string]any{"state_class": "measurement"}
	for k, v := range attrs {
		merged[k] = v
	}
	return types.SensorState{EntityID: entityID, State: state, Attributes: merged}
}

// displaySOC rounds a SoC for display, showing a bank at or above the full
// threshold as a flat 100.
func displaySOC(soc, fullThreshold float64) int {
	if soc >= fullThreshold {
		return 100
	}
	return int(math.Round(soc))
}

// timeToMinimum renders how far away the projected minimum is. A minimum
// that is now or already past renders as Unknown.
func timeToMinimum(at, now time.Time) string {
	until := at.Sub(now)
	if until <= 0 {
		return "Unknown"
	}
	if until >= time.Hour {
		return fmt.Sprintf("In %d hours", int(math.Round(until.Hours())))
	}
	return fmt.Sprintf("In %d minutes", int(math.Round(until.Minutes())))
}

// chargeStrings renders the pair of charge-time sensors. They share an icon
// since both describe the same projected event.
func chargeStrings(fullAt *time.Time, soc, fullThreshold float64, now time.Time) (timeUntil, chargedTime, icon string) {
	if soc >= fullThreshold {
		return "Fully Charged", "Fully Charged", "mdi:battery-charging-100"
	}
	if fullAt == nil {
		return "Unknown", "Unknown", "mdi:battery-unknown"
	}

	until := fullAt.Sub(now)
	if until < time.Hour {
		timeUntil = fmt.Sprintf("In %d minutes", int(until.Minutes()))
	} else {
		timeUntil = fmt.Sprintf("In %d hours", int(math.Round(until.Hours())))
	}

	chargedTime = fullAt.Format("03:04PM")
	if !sameDate(*fullAt, now) {
		chargedTime = "Tomorrow " + chargedTime
	}
	return timeUntil, chargedTime, "mdi:battery-charging"
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// deltaSchema flattens the learned table to hour -> factor for display.
func deltaSchema(deltas types.DeltaTable) map[int]float64 {
	schema := make(map[int]float64, len(deltas))
	for hour, e := range deltas {
		schema[hour] = e.Factor
	}
	return schema
}

// batteryIcons maps SoC thresholds to mdi icons, highest first.
var batteryIcons = []struct {
	minSOC float64
	icon   string
}{
	{99, "mdi:battery"},
	{90, "mdi:battery-90"},
	{80, "mdi:battery-80"},
	{70, "mdi:battery-70"},
	{60, "mdi:battery-60"},
	{50, "mdi:battery-50"},
	{40, "mdi:battery-40"},
	{30, "mdi:battery-30"},
	{20, "mdi:battery-20"},
	{10, "mdi:battery-10"},
	{0, "mdi:battery-outline"},
}

func batteryIcon(soc float64) string {
	for _, bi := range batteryIcons {
		if soc >= bi.minSOC {
			return bi.icon
		}
	}
	return "mdi:battery-outline"
}
