package cache

import "errors"

// Sentinel errors for cacher operations.
var (
	// ErrNoFetcher is returned when Get is called for a kind with no
	// fetch function configured.
	ErrNoFetcher = errors.New("cache: no fetch function configured for kind")

	// ErrDisposed is returned for operations on a disposed cacher.
	ErrDisposed = errors.New("cache: cacher is disposed")
)
