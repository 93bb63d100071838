package storage

import (
	"context"
	"errors"
	"time"

	"github.com/soccast/soccast/pkg/types"
)

var (
	ErrSiteNotFound = errors.New("site not found")
)

// Database defines the interface for persisting learned state and retrieving
// settings. Every provider must keep writes atomic so a crash mid-write never
// corrupts previously learned deltas.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Sites
	GetSite(ctx context.Context, siteID string) (types.Site, error)
	ListSites(ctx context.Context) ([]types.Site, error)
	CreateSite(ctx context.Context, site types.Site) error
	UpdateSite(ctx context.Context, site types.Site) error

	// Forecast cache
	// GetForecastCache returns the zero value when nothing has been cached
	// yet; callers check FetchedAt.IsZero().
	GetForecastCache(ctx context.Context) (types.ForecastCache, error)
	SetForecastCache(ctx context.Context, cache types.ForecastCache) error

	// Run history
	InsertRun(ctx context.Context, run types.RunRecord) error
	GetRunHistory(ctx context.Context, start, end time.Time) ([]types.RunRecord, error)
	// GetLatestRun returns nil when no runs have been recorded.
	GetLatestRun(ctx context.Context) (*types.RunRecord, error)

	// Lifecycle
	Close() error
}
