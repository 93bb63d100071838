package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soccast/soccast/pkg/log"
	"github.com/soccast/soccast/pkg/platform"
	"github.com/soccast/soccast/pkg/types"
)

// PlatformPublisher writes sensors back through the platform's own state
// API so they appear alongside the entities the pipeline reads.
type PlatformPublisher struct {
	platform platform.Platform
}

// NewPlatformPublisher returns a publisher backed by the given platform.
func NewPlatformPublisher(p platform.Platform) *PlatformPublisher {
	return &PlatformPublisher{platform: p}
}

// Publish implements Publisher.
func (p *PlatformPublisher) Publish(ctx context.Context, states []types.SensorState) error {
	for _, state := range states {
		if err := p.platform.SetSensor(ctx, state); err != nil {
			return fmt.Errorf("failed to publish %s: %w", state.EntityID, err)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "published sensor states", slog.Int("count", len(states)))
	return nil
}

// Close implements Publisher.
func (p *PlatformPublisher) Close() error {
	return nil
}
