package linker

import "errors"

var (
	// ErrMissingDomain indicates the caller supplied no tenant domain.
	// Lookups are always domain-scoped; accepting an empty domain would
	// bleed conversations across tenants.
	ErrMissingDomain = errors.New("linker: missing domain")

	// ErrMissingTimestamp indicates the caller supplied no request
	// timestamp. The as-of bound is mandatory for every lookup.
	ErrMissingTimestamp = errors.New("linker: missing request timestamp")

	// ErrFutureTimestamp indicates a request timestamp ahead of the local
	// clock beyond the allowed skew. Linking with it would silently
	// corrupt historical rebuilds.
	ErrFutureTimestamp = errors.New("linker: request timestamp is in the future")
)
