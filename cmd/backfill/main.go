package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/soccast/soccast/pkg/estimator"
	"github.com/soccast/soccast/pkg/forecast"
	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/platform"
	"github.com/soccast/soccast/pkg/storage"
	"github.com/soccast/soccast/pkg/types"
)

// backfill replays recorded production and forecast history through the
// delta learner so a site does not start cold. It needs the platform to have
// a forecast history entity configured.
func main() {
	plat := platform.Configured()
	db := storage.Configured()
	namer := forecast.ConfiguredNamer()
	window := lflag.Duration("backfill-window", 30*24*time.Hour, "How far back to replay history")
	lflag.Configure()

	ctx := context.Background()

	if err := run(ctx, plat, db, namer, *window); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "backfill failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, plat platform.Platform, db storage.Database, namer estimator.Namer, window time.Duration) error {
	settings, version, err := db.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}
	if version < types.CurrentSettingsVersion {
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			return fmt.Errorf("failed to migrate settings: %w", err)
		}
		if changed {
			settings = migrated
			if err := db.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
				return fmt.Errorf("failed to save migrated settings: %w", err)
			}
		}
	}

	now := time.Now()
	tracker := estimator.NewTracker(db, namer)

	// resolve the site the same way the update pipeline does
	readings, err := plat.CurrentReadings(ctx)
	if err != nil {
		return fmt.Errorf("failed to get readings: %w", err)
	}
	var site types.Site
	var created bool
	if readings.Latitude != nil && readings.Longitude != nil {
		site, created, err = tracker.Classify(ctx, *readings.Latitude, *readings.Longitude, settings, now)
	} else {
		site, err = tracker.LastActive(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve site: %w", err)
	}
	ctx = log.WithSite(ctx, site.ID)

	// a site that existed before this run only learns from its own stay;
	// a brand new one gets the whole window
	start := now.Add(-window)
	if !created && site.CreatedAt.After(start) {
		start = site.CreatedAt
	}
	log.Ctx(ctx).InfoContext(ctx, "replaying history",
		slog.Time("start", start),
		slog.Bool("siteCreated", created),
	)

	learned, err := replay(ctx, plat, &site, settings, start, now)
	if err != nil {
		return err
	}
	if learned > 0 {
		if err := db.UpdateSite(ctx, site); err != nil {
			return fmt.Errorf("failed to persist site: %w", err)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "backfill complete", slog.Int("learnedHours", learned))
	return nil
}

// replay walks the window hour by hour and feeds each complete hour to the
// learner, the same way the update pipeline does live.
func replay(ctx context.Context, plat platform.Platform, site *types.Site, settings types.Settings, start, now time.Time) (int, error) {
	production, err := plat.History(ctx, platform.EntitySolar, start, now)
	if err != nil {
		return 0, fmt.Errorf("failed to get production history: %w", err)
	}
	forecasted, err := plat.History(ctx, platform.EntityForecast, start, now)
	if err != nil {
		return 0, fmt.Errorf("failed to get forecast history: %w", err)
	}
	if len(production) == 0 || len(forecasted) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "nothing to replay",
			slog.Int("productionPoints", len(production)),
			slog.Int("forecastPoints", len(forecasted)),
		)
		return 0, nil
	}
	socHistory, err := plat.History(ctx, platform.EntitySOC, start, now)
	if err != nil {
		return 0, fmt.Errorf("failed to get soc history: %w", err)
	}
	voltsHistory, err := plat.History(ctx, platform.EntityACVolts, start, now)
	if err != nil {
		return 0, fmt.Errorf("failed to get ac volts history: %w", err)
	}

	learner := estimator.NewLearner()
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
		forecastWatts, ok := estimator.HourlyAverage(forecasted, h, hourEnd)
		if !ok {
			continue
		}
		sample := types.ProductionSample{
			TS:            h,
			ForecastWatts: forecastWatts,
			ActualWatts:   actual,
			SOC:           estimator.ValueAt(socHistory, hourEnd),
			ShorePower:    estimator.AnyAtOrAbove(voltsHistory, h, hourEnd, settings.ShorePowerMinVolts),
		}
		changed, err := learner.RecordSample(site, sample, settings)
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "sample rejected", slog.Time("hour", h), slog.Any("error", err))
			continue
		}
		if changed {
			learned++
		}
	}
	return learned, nil
}
