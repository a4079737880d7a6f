package pool

import "errors"

// Sentinel errors for pool operations.
var (
	// ErrPoolClosed is returned for operations on a shut-down pool.
	ErrPoolClosed = errors.New("pool: pool is closed")

	// ErrAcquireTimeout is returned when no connection became available
	// within the acquire timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")

	// ErrNilFactory is returned by New when no factory is configured.
	ErrNilFactory = errors.New("pool: factory is required")
)
