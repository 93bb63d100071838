package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// Battery electrical parameters
	BatteryCapacityAH float64 `json:"batteryCapacityAH"`
	NominalVoltage    float64 `json:"nominalVoltage"`

	// Installed panel capacity reported to the forecast source (in kW)
	SolarCapacityKW float64 `json:"solarCapacityKW"`

	// SoC at or above this is treated as fully charged (in %)
	FullThresholdPercent float64 `json:"fullThresholdPercent"`
	// Production samples at or above this SoC are excluded from delta
	// learning since a near-full bank accepts less current (in %)
	DeltaSOCCutoffPercent float64 `json:"deltaSOCCutoffPercent"`

	// Proximity radius for matching a GPS reading to a known site (in km)
	SiteRadiusKM float64 `json:"siteRadiusKM"`

	// Delta learning
	// Bound on the prior's weight in the running average so recent samples
	// can still move an established factor
	DeltaMaxWeight int `json:"deltaMaxWeight"`
	// Factor clamp guarding against sensor glitches
	DeltaClampMin float64 `json:"deltaClampMin"`
	DeltaClampMax float64 `json:"deltaClampMax"`
	// Master switch for applying learned corrections to the forecast
	ApplyDelta bool `json:"applyDelta"`

	// Load estimation
	// Trailing load-sample retention (in hours)
	LoadWindowHours float64 `json:"loadWindowHours"`
	// Multiplier on the interquartile range for the spike filter
	LoadIQRCutoff float64 `json:"loadIQRCutoff"`
	// Samples newer than this get LoadRecentWeight, older ones weigh 1.0 (in hours)
	LoadRecentHours  float64 `json:"loadRecentHours"`
	LoadRecentWeight float64 `json:"loadRecentWeight"`

	// AC input at or above this voltage means shore power is connected
	ShorePowerMinVolts float64 `json:"shorePowerMinVolts"`

	// How much history each run consumes for delta learning (in hours)
	LearnLookbackHours float64 `json:"learnLookbackHours"`
}

// LoadWindow returns the trailing load-sample retention as a duration.
func (s Settings) LoadWindow() time.Duration {
	return time.Duration(s.LoadWindowHours * float64(time.Hour))
}

// LoadRecency returns the recency-weighting horizon as a duration.
func (s Settings) LoadRecency() time.Duration {
	return time.Duration(s.LoadRecentHours * float64(time.Hour))
}

// LearnLookback returns the per-run history window as a duration.
func (s Settings) LearnLookback() time.Duration {
	return time.Duration(s.LearnLookbackHours * float64(time.Hour))
}

// Validate checks invariants on user-supplied settings.
func (s Settings) Validate() error {
	if s.BatteryCapacityAH <= 0 {
		return fmt.Errorf("batteryCapacityAH must be positive: %v", s.BatteryCapacityAH)
	}
	if s.NominalVoltage <= 0 {
		return fmt.Errorf("nominalVoltage must be positive: %v", s.NominalVoltage)
	}
	if s.SolarCapacityKW <= 0 {
		return fmt.Errorf("solarCapacityKW must be positive: %v", s.SolarCapacityKW)
	}
	if s.FullThresholdPercent <= 0 || s.FullThresholdPercent > 100 {
		return fmt.Errorf("fullThresholdPercent must be in (0,100]: %v", s.FullThresholdPercent)
	}
	if s.DeltaSOCCutoffPercent <= 0 || s.DeltaSOCCutoffPercent > 100 {
		return fmt.Errorf("deltaSOCCutoffPercent must be in (0,100]: %v", s.DeltaSOCCutoffPercent)
	}
	if s.SiteRadiusKM <= 0 {
		return fmt.Errorf("siteRadiusKM must be positive: %v", s.SiteRadiusKM)
	}
	if s.DeltaClampMin < 0 || s.DeltaClampMax <= s.DeltaClampMin {
		return fmt.Errorf("delta clamp must satisfy 0 <= min < max: [%v, %v]", s.DeltaClampMin, s.DeltaClampMax)
	}
	if s.LoadWindowHours <= 0 {
		return fmt.Errorf("loadWindowHours must be positive: %v", s.LoadWindowHours)
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial defaults sized for a 200Ah 12.8V van bank
			if s.BatteryCapacityAH == 0 {
				s.BatteryCapacityAH = 200
				migrated = true
			}
			if s.NominalVoltage == 0 {
				s.NominalVoltage = 12.8
				migrated = true
			}
			if s.FullThresholdPercent == 0 {
				s.FullThresholdPercent = 99
				migrated = true
			}
			if s.DeltaSOCCutoffPercent == 0 {
				s.DeltaSOCCutoffPercent = 97
				migrated = true
			}
			if s.SiteRadiusKM == 0 {
				s.SiteRadiusKM = 0.5
				migrated = true
			}
			if s.LoadWindowHours == 0 {
				s.LoadWindowHours = 24
				migrated = true
			}
			if s.LoadIQRCutoff == 0 {
				s.LoadIQRCutoff = 1.0
				migrated = true
			}
			if s.ShorePowerMinVolts == 0 {
				s.ShorePowerMinVolts = 100
				migrated = true
			}
			// field introduced in this version, so nothing stored before it
			// could have turned it off
			if !s.ApplyDelta {
				s.ApplyDelta = true
				migrated = true
			}
		case 2:
			// version 2: bound the running average and clamp the factor
			// (the average was previously unbounded)
			if s.DeltaMaxWeight == 0 {
				s.DeltaMaxWeight = 24
				migrated = true
			}
			if s.DeltaClampMax == 0 {
				s.DeltaClampMax = 2.0
				migrated = true
			}
			// DeltaClampMin defaults to 0, which is already the zero value
		case 3:
			// version 3: recency weighting for load, learn lookback, and
			// panel capacity moved from a flag into settings
			if s.LoadRecentHours == 0 {
				s.LoadRecentHours = 8
				migrated = true
			}
			if s.LoadRecentWeight == 0 {
				s.LoadRecentWeight = 3.0
				migrated = true
			}
			if s.LearnLookbackHours == 0 {
				s.LearnLookbackHours = 24
				migrated = true
			}
			if s.SolarCapacityKW == 0 {
				s.SolarCapacityKW = 0.4
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
