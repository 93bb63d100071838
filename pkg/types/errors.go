package types

import "errors"

// Sentinel errors shared across packages. All of them are recovered within a
// single run; callers match with errors.Is.
var (
	// ErrLocationUnavailable means the GPS reading was missing or not
	// numeric. The caller should fall back to the last-known active site.
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrInsufficientData means there are not enough samples to produce a
	// meaningful number. Dependent outputs must be suppressed, not zeroed.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInvalidSample means a sensor reading was out of range or malformed.
	// Only the single sample is dropped.
	ErrInvalidSample = errors.New("invalid sample")

	// ErrExternalFetch means an upstream API was unreachable or returned
	// garbage. The caller should reuse cached data.
	ErrExternalFetch = errors.New("external fetch failed")
)
