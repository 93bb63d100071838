package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/soccast/soccast/pkg/types"
)

// Source defines the interface for a solar production forecast provider.
type Source interface {
	// Forecast returns an hourly production curve for the array at the given
	// coordinates along with the time the underlying data was produced.
	Forecast(ctx context.Context, lat, lon, capacityKW float64) (types.ForecastCurve, time.Time, error)
}

// RateLimitError is returned when the provider refused the request because
// the client exceeded its quota. RetryAt is zero when the provider did not
// say when to come back.
type RateLimitError struct {
	RetryAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return "forecast source rate limited"
	}
	return fmt.Sprintf("forecast source rate limited until %s", e.RetryAt.Format(time.RFC3339))
}

// Unwrap lets callers match the error with errors.Is(err, types.ErrExternalFetch).
func (e *RateLimitError) Unwrap() error {
	return types.ErrExternalFetch
}
