package platform

import (
	"context"
	"time"

	"github.com/soccast/soccast/pkg/types"
)

// Entity names a sensor role the estimator cares about. Providers map these
// to whatever their backend calls the underlying entity.
type Entity string

const (
	EntitySOC       Entity = "soc"
	EntityLatitude  Entity = "latitude"
	EntityLongitude Entity = "longitude"
	EntityLoad      Entity = "load"
	EntityACVolts   Entity = "acvolts"
	EntitySolar     Entity = "solar"
	// EntityForecast is the platform's own record of past forecasted watts,
	// used to rebuild delta tables from history.
	EntityForecast Entity = "forecast"
)

// Platform defines the interface for the home automation system the
// estimator reads sensors from.
type Platform interface {
	// CurrentReadings returns the latest snapshot of every configured entity.
	// Entities with no usable value come back as nil fields rather than errors.
	CurrentReadings(ctx context.Context) (types.Readings, error)

	// History returns the numeric state changes for an entity between start
	// and end. An entity the deployment never configured yields no points and
	// no error.
	History(ctx context.Context, entity Entity, start, end time.Time) ([]types.StatePoint, error)

	// SetSensor creates or updates a sensor entity.
	SetSensor(ctx context.Context, state types.SensorState) error
}
