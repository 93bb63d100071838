package estimator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/storage"
	"github.com/soccast/soccast/pkg/types"
)

// Namer resolves coordinates to a human-readable place name. Implementations
// return an empty string with a nil error when nothing matches.
type Namer interface {
	Name(ctx context.Context, lat, lon float64) (string, error)
}

// Tracker resolves GPS readings to persisted sites.
type Tracker struct {
	db    storage.Database
	namer Namer
}

// NewTracker creates a new Tracker. namer may be nil, in which case new sites
// are created without a name.
func NewTracker(db storage.Database, namer Namer) *Tracker {
	return &Tracker{db: db, namer: namer}
}

// SiteID derives the canonical site ID from coordinates. Three decimal places
// is roughly 100m, well inside the default match radius.
func SiteID(lat, lon float64) string {
	return fmt.Sprintf("%.3f,%.3f", lat, lon)
}

// Classify resolves coordinates to the nearest site within
// settings.SiteRadiusKM, creating a new site when none is close enough. The
// returned bool is true when a site was created. The matched site's
// LastSeenAt is advanced and persisted before returning.
func (t *Tracker) Classify(ctx context.Context, lat, lon float64, settings types.Settings, now time.Time) (types.Site, bool, error) {
	if !validCoords(lat, lon) {
		return types.Site{}, false, fmt.Errorf("%w: lat=%v lon=%v", types.ErrLocationUnavailable, lat, lon)
	}

	sites, err := t.db.ListSites(ctx)
	if err != nil {
		return types.Site{}, false, fmt.Errorf("failed to list sites: %w", err)
	}

	best := -1
	bestKM := math.MaxFloat64
	for i, s := range sites {
		d := haversineKM(lat, lon, s.Latitude, s.Longitude)
		if d > settings.SiteRadiusKM {
			continue
		}
		if d < bestKM {
			best = i
			bestKM = d
		}
	}
	if best >= 0 {
		site := sites[best]
		site.LastSeenAt = now
		if err := t.db.UpdateSite(ctx, site); err != nil {
			return types.Site{}, false, fmt.Errorf("failed to update site %s: %w", site.ID, err)
		}
		log.Ctx(ctx).DebugContext(ctx, "matched existing site",
			slog.String("siteID", site.ID),
			slog.Float64("distanceKM", bestKM),
		)
		return site, false, nil
	}

	site := types.Site{
		ID:         SiteID(lat, lon),
		Latitude:   lat,
		Longitude:  lon,
		Deltas:     types.DeltaTable{},
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if t.namer != nil {
		name, err := t.namer.Name(ctx, lat, lon)
		if err != nil {
			// a site without a name is still usable
			log.Ctx(ctx).WarnContext(ctx, "failed to name new site",
				slog.String("siteID", site.ID),
				slog.Any("err", err),
			)
		} else {
			site.Name = name
		}
	}
	if err := t.db.CreateSite(ctx, site); err != nil {
		return types.Site{}, false, fmt.Errorf("failed to create site %s: %w", site.ID, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "created new site",
		slog.String("siteID", site.ID),
		slog.String("name", site.Name),
	)
	return site, true, nil
}

// LastActive returns the most recently seen site, used as a fallback when the
// GPS entity has no usable position. Returns types.ErrLocationUnavailable
// when no sites exist yet.
func (t *Tracker) LastActive(ctx context.Context) (types.Site, error) {
	sites, err := t.db.ListSites(ctx)
	if err != nil {
		return types.Site{}, fmt.Errorf("failed to list sites: %w", err)
	}
	best := -1
	for i, s := range sites {
		if best < 0 || s.LastSeenAt.After(sites[best].LastSeenAt) {
			best = i
		}
	}
	if best < 0 {
		return types.Site{}, types.ErrLocationUnavailable
	}
	return sites[best], nil
}

func validCoords(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// haversineKM returns the great-circle distance between two points in km.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
