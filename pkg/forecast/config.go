package forecast

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the forecast Source based on flags.
func Configured() Source {
	source := lflag.String("forecast-source", "forecastsolar", "Forecast source to use (available: forecastsolar, static)")

	var p struct{ Source }

	fs := configuredForecastSolar()

	lflag.Do(func() {
		switch *source {
		case "forecastsolar":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("forecastsolar validation failed: %v", err))
			}
			p.Source = fs
		case "static":
			p.Source = new(Static)
		default:
			panic(fmt.Sprintf("unknown forecast source: %s", *source))
		}
	})

	return &p
}
