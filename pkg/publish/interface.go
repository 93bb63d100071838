package publish

import (
	"context"

	"github.com/soccast/soccast/pkg/types"
)

// Publisher pushes rendered sensor states to wherever the deployment wants
// them surfaced.
type Publisher interface {
	// Publish writes the batch of states, stopping at the first error.
	Publish(ctx context.Context, states []types.SensorState) error

	// Close releases any connection the publisher holds.
	Close() error
}
