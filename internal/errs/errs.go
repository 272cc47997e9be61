// Package errs defines the error kinds shared across the cache fabric.
// Components wrap these sentinels with context; the HTTP edge maps them
// to status codes with errors.Is.
package errs

import "errors"

var (
	// ErrValidation marks malformed input (bad symbol, missing parameter).
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown symbol, an empty series after fetch,
	// or a series too short for the requested indicator.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamTimeout marks a timed-out call to a market-data or FX provider.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamUnavailable marks a transport failure talking to a provider.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStorageUnavailable marks an unreachable persistent tier.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrFxUnavailable marks a conversion with no obtainable rate from any
	// provider and no usable cached rate.
	ErrFxUnavailable = errors.New("fx unavailable")

	// ErrDataQuality marks a bar batch rejected by normalization.
	ErrDataQuality = errors.New("data quality error")

	// ErrSubsystemDisabled marks a request against a subsystem that is
	// switched off by configuration.
	ErrSubsystemDisabled = errors.New("subsystem disabled")
)
