package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/soccast/soccast/pkg/estimator"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/types"
)

// handleForecast simulates forward from the cached curve and the current
// readings without learning or publishing anything. It exists so a dashboard
// can redraw the projection between pipeline runs.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	settings, _, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	cache, err := s.storage.GetForecastCache(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get forecast cache", slog.Any("error", err))
		writeJSONError(w, "failed to get forecast cache", http.StatusInternalServerError)
		return
	}
	if cache.FetchedAt.IsZero() {
		writeJSONError(w, "no forecast has been fetched yet", http.StatusNotFound)
		return
	}

	readings, err := s.platform.CurrentReadings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get readings", slog.Any("error", err))
		writeJSONError(w, "failed to read current state", http.StatusBadGateway)
		return
	}
	if readings.SOC == nil {
		writeJSONError(w, "platform returned no state of charge", http.StatusBadGateway)
		return
	}

	// simulate with whatever site we were last at; a missing site just means
	// no learned corrections yet
	var deltas types.DeltaTable
	site, err := s.tracker.LastActive(ctx)
	if err == nil {
		deltas = site.Deltas
	}

	curve := cache.Curve
	if settings.ApplyDelta {
		curve = estimator.AdjustForecast(curve, deltas)
	}

	now := time.Now()
	var loadWatts float64
	if latest, err := s.storage.GetLatestRun(ctx); err == nil && latest != nil && latest.Skipped == types.SkipReasonNone {
		loadWatts = latest.LoadWatts
	} else if readings.LoadWatts != nil {
		loadWatts = *readings.LoadWatts
	}

	result := estimator.Simulate(ctx, estimator.SimulationInput{
		Curve:                curve,
		LoadWatts:            loadWatts,
		CurrentSOC:           *readings.SOC,
		BatteryCapacityAH:    settings.BatteryCapacityAH,
		NominalVoltage:       settings.NominalVoltage,
		FullThresholdPercent: settings.FullThresholdPercent,
		CurrentDelta:         deltas.Factor(now.Hour()),
		Now:                  now,
	})

	w.Header().Set("Cache-Control", "private, max-age=300")
	writeJSON(w, result)
}
