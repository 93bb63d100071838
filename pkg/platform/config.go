package platform

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the Platform provider based on flags.
func Configured() Platform {
	provider := lflag.String("platform-provider", "homeassistant", "Platform provider to use (available: homeassistant, mock)")

	var p struct{ Platform }

	ha := configuredHomeAssistant()

	lflag.Do(func() {
		switch *provider {
		case "homeassistant":
			if err := ha.Validate(); err != nil {
				panic(fmt.Sprintf("homeassistant validation failed: %v", err))
			}
			p.Platform = ha
		case "mock":
			p.Platform = NewMock()
		default:
			panic(fmt.Sprintf("unknown platform provider: %s", *provider))
		}
	})

	return &p
}
