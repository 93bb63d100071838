package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/soccast/soccast/pkg/estimator"
	"github.com/soccast/soccast/pkg/forecast"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/platform"
	"github.com/soccast/soccast/pkg/publish"
	"github.com/soccast/soccast/pkg/types"
)

// errRunInFlight means another update holds the pipeline lock.
var errRunInFlight = errors.New("update already in flight")

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	record, err := s.runPipeline(ctx)
	switch {
	case errors.Is(err, errRunInFlight):
		writeJSONError(w, "update already running", http.StatusConflict)
		return
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "update failed", slog.Any("error", err))
		writeJSONError(w, "update failed", http.StatusInternalServerError)
		return
	}

	// skips also land here: the scheduler must see a 200 so it does not
	// retry a state the next tick will resolve anyway
	writeJSON(w, record)
}

// runPipeline executes one full forecast run: resolve the site, learn deltas
// from recent history, refresh the forecast, estimate load, simulate forward
// and publish. Recoverable dead ends are recorded as skips on the returned
// RunRecord rather than errors.
func (s *Server) runPipeline(ctx context.Context) (types.RunRecord, error) {
	if !s.runMu.TryLock() {
		return types.RunRecord{}, errRunInFlight
	}
	defer s.runMu.Unlock()

	now := time.Now()
	record := types.RunRecord{Timestamp: now, SiteID: types.SiteIDNone}

	// 1. Settings
	settings, _, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		return record, fmt.Errorf("failed to get settings: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "update: settings loaded")

	// 2. Current readings. Without a state of charge nothing downstream has
	// a starting point.
	readings, err := s.platform.CurrentReadings(ctx)
	if err == nil && readings.SOC == nil {
		err = fmt.Errorf("%w: no state of charge reading", types.ErrInsufficientData)
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "update: no usable readings", slog.Any("error", err))
		return s.skipRun(ctx, record, types.SkipReasonNoReadings, err), nil
	}
	record.SOC = *readings.SOC
	log.Ctx(ctx).DebugContext(ctx, "update: readings fetched", slog.Float64("soc", record.SOC))

	// 3. Resolve the site, falling back to the last active one while parked
	// somewhere the GPS cannot see.
	var site types.Site
	if readings.Latitude != nil && readings.Longitude != nil {
		site, record.SiteCreated, err = s.tracker.Classify(ctx, *readings.Latitude, *readings.Longitude, settings, now)
	} else {
		err = fmt.Errorf("%w: no position reading", types.ErrLocationUnavailable)
	}
	if errors.Is(err, types.ErrLocationUnavailable) {
		log.Ctx(ctx).WarnContext(ctx, "update: location unavailable, using last active site", slog.Any("error", err))
		site, err = s.tracker.LastActive(ctx)
		if errors.Is(err, types.ErrLocationUnavailable) {
			return s.skipRun(ctx, record, types.SkipReasonNoSite, err), nil
		}
	}
	if err != nil {
		return record, fmt.Errorf("failed to resolve site: %w", err)
	}
	record.SiteID = site.ID
	ctx = log.WithSite(ctx, site.ID)
	log.Ctx(ctx).DebugContext(ctx, "update: site resolved", slog.String("siteID", site.ID), slog.Bool("created", record.SiteCreated))

	// 4. Learn deltas by comparing recent production history against the
	// forecast that was in force, then persist the updated table.
	prevCache, err := s.storage.GetForecastCache(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get forecast cache", slog.Any("error", err))
	} else if !prevCache.FetchedAt.IsZero() {
		record.LearnedHours = s.learnDeltas(ctx, &site, prevCache, settings, now)
		if record.LearnedHours > 0 {
			if err := s.storage.UpdateSite(ctx, site); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to persist learned deltas", slog.Any("error", err))
			}
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "update: deltas learned", slog.Int("hours", record.LearnedHours))

	// 5. Refresh the forecast, falling back to the persisted cache.
	cache, err := s.refreshForecast(ctx, site, settings, prevCache, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "update: no forecast available", slog.Any("error", err))
		return s.skipRun(ctx, record, types.SkipReasonNoForecast, err), nil
	}

	// 6. Apply learned corrections.
	curve := cache.Curve
	if settings.ApplyDelta {
		curve = estimator.AdjustForecast(curve, site.Deltas)
	}

	// 7. Estimate the sustained load.
	loadWatts, err := s.estimateLoad(ctx, readings, settings, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "update: cannot estimate load", slog.Any("error", err))
		return s.skipRun(ctx, record, types.SkipReasonInsufficientLoad, err), nil
	}
	record.LoadWatts = loadWatts
	log.Ctx(ctx).DebugContext(ctx, "update: load estimated", slog.Float64("watts", loadWatts))

	// 8. Simulate forward.
	result := estimator.Simulate(ctx, estimator.SimulationInput{
		Curve:                curve,
		LoadWatts:            loadWatts,
		CurrentSOC:           *readings.SOC,
		BatteryCapacityAH:    settings.BatteryCapacityAH,
		NominalVoltage:       settings.NominalVoltage,
		FullThresholdPercent: settings.FullThresholdPercent,
		CurrentDelta:         s.learner.Delta(site, now.Hour()),
		Now:                  now,
	})
	record.Result = &result

	// 9. Publish the rendered sensors.
	states := publish.BuildStates(publish.Input{
		Result:     result,
		CurrentSOC: *readings.SOC,
		LoadWatts:  loadWatts,
		Deltas:     site.Deltas,
		Settings:   settings,
		Now:        now,
	})
	if err := s.publisher.Publish(ctx, states); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish sensors", slog.Any("error", err))
		record.Error = err.Error()
	} else {
		record.Published = true
	}

	// 10. Record the run.
	if err := s.storage.InsertRun(ctx, record); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert run", slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "update: run complete",
		slog.Float64("soc", record.SOC),
		slog.Float64("loadWatts", record.LoadWatts),
		slog.Int("learnedHours", record.LearnedHours),
		slog.Bool("published", record.Published),
	)
	return record, nil
}

// skipRun records a run that produced nothing publishable and returns it.
func (s *Server) skipRun(ctx context.Context, record types.RunRecord, reason types.SkipReason, err error) types.RunRecord {
	record.Skipped = reason
	if err != nil {
		record.Error = err.Error()
	}
	if dbErr := s.storage.InsertRun(ctx, record); dbErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert run", slog.Any("error", dbErr))
	}
	return record
}

// learnDeltas folds the trailing history window into the site's delta table,
// one sample per full hour, and returns how many samples were accepted.
func (s *Server) learnDeltas(ctx context.Context, site *types.Site, cache types.ForecastCache, settings types.Settings, now time.Time) int {
	start := now.Add(-settings.LearnLookback())

	production, err := s.platform.History(ctx, platform.EntitySolar, start, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get production history", slog.Any("error", err))
		return 0
	}
	if len(production) == 0 {
		return 0
	}
	socHistory, err := s.platform.History(ctx, platform.EntitySOC, start, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get soc history", slog.Any("error", err))
	}
	voltsHistory, err := s.platform.History(ctx, platform.EntityACVolts, start, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get ac volts history", slog.Any("error", err))
	}

	first := start.Truncate(time.Hour)
	if first.Before(start) {
		first = first.Add(time.Hour)
	}

	learned := 0
	for h := first; !h.Add(time.Hour).After(now); h = h.Add(time.Hour) {
		hourEnd := h.Add(time.Hour)
		actual, ok := estimator.HourlyAverage(production, h, hourEnd)
		if !ok {
			continue
		}
		sample := types.ProductionSample{
			TS:            h,
			ForecastWatts: cache.Curve.WattsAt(h),
			ActualWatts:   actual,
			SOC:           estimator.ValueAt(socHistory, hourEnd),
			ShorePower:    estimator.AnyAtOrAbove(voltsHistory, h, hourEnd, settings.ShorePowerMinVolts),
		}
		changed, err := s.learner.RecordSample(site, sample, settings)
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "production sample rejected", slog.Time("hour", h), slog.Any("error", err))
			continue
		}
		if changed {
			learned++
		}
	}
	return learned
}

// refreshForecast fetches a fresh curve and persists it, falling back to the
// previously stored cache when the source is unavailable or rate limited. A
// persisted retry time still in the future skips the fetch outright so a
// restart does not burn through the source's quota. An error means there is
// no curve at all to simulate with.
func (s *Server) refreshForecast(ctx context.Context, site types.Site, settings types.Settings, prev types.ForecastCache, now time.Time) (types.ForecastCache, error) {
	if !prev.FetchedAt.IsZero() && now.Before(prev.RetryAfter) {
		log.Ctx(ctx).InfoContext(ctx, "forecast source rate limited, using cached forecast", slog.Time("retryAt", prev.RetryAfter))
		return prev, nil
	}

	curve, fetchedAt, err := s.source.Forecast(ctx, site.Latitude, site.Longitude, settings.SolarCapacityKW)
	if err == nil {
		cache := types.ForecastCache{FetchedAt: fetchedAt, Curve: curve}
		if err := s.storage.SetForecastCache(ctx, cache); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist forecast cache", slog.Any("error", err))
		}
		return cache, nil
	}

	var rl *forecast.RateLimitError
	if errors.As(err, &rl) {
		log.Ctx(ctx).WarnContext(ctx, "forecast source rate limited", slog.Time("retryAt", rl.RetryAt))
	} else {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch forecast", slog.Any("error", err))
	}

	if prev.FetchedAt.IsZero() {
		return types.ForecastCache{}, err
	}
	if rl != nil && !rl.RetryAt.IsZero() && !rl.RetryAt.Equal(prev.RetryAfter) {
		prev.RetryAfter = rl.RetryAt
		if err := s.storage.SetForecastCache(ctx, prev); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist forecast cache", slog.Any("error", err))
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "using cached forecast", slog.Time("fetchedAt", prev.FetchedAt))
	return prev, nil
}

// estimateLoad builds the load window from history plus the current reading
// and estimates the sustained draw. Samples while on shore power say nothing
// about the house draw, so the window is truncated to an hour after the
// charger was last seen.
func (s *Server) estimateLoad(ctx context.Context, readings types.Readings, settings types.Settings, now time.Time) (float64, error) {
	start := now.Add(-settings.LoadWindow())
	points, err := s.platform.History(ctx, platform.EntityLoad, start, now)
	if err != nil {
		return 0, fmt.Errorf("failed to get load history: %w", err)
	}
	samples := make([]types.LoadSample, 0, len(points)+1)
	for _, p := range points {
		samples = append(samples, types.LoadSample{TS: p.TS, Watts: p.Value})
	}
	window := estimator.NewLoadWindow(samples)
	if readings.LoadWatts != nil {
		window.Add(types.LoadSample{TS: now, Watts: *readings.LoadWatts})
	}

	since := start
	volts, err := s.platform.History(ctx, platform.EntityACVolts, start, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get ac volts history", slog.Any("error", err))
	}
	for _, v := range volts {
		if v.Value >= settings.ShorePowerMinVolts {
			since = v.TS.Add(time.Hour)
		}
	}

	return window.Estimate(now, since, settings)
}
