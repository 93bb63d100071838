package publish

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/soccast/soccast/pkg/platform"
)

// Configured sets up the Publisher based on flags. The platform provider
// reuses the given platform client rather than opening a second connection.
func Configured(plat platform.Platform) Publisher {
	provider := lflag.String("publish-provider", "platform", "Publish provider to use (available: platform, mqtt)")

	var p struct{ Publisher }

	mq := configuredMQTT()

	lflag.Do(func() {
		switch *provider {
		case "platform":
			p.Publisher = NewPlatformPublisher(plat)
		case "mqtt":
			if err := mq.Validate(); err != nil {
				panic(fmt.Sprintf("mqtt validation failed: %v", err))
			}
			if err := mq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("mqtt init failed: %v", err))
			}
			p.Publisher = mq
		default:
			panic(fmt.Sprintf("unknown publish provider: %s", *provider))
		}
	})

	return &p
}
