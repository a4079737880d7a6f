package batch

import "errors"

// Sentinel errors for batcher operations.
var (
	// ErrNilExecutor is returned by New when no executor is configured.
	ErrNilExecutor = errors.New("batch: executor is required")

	// ErrBatcherClosed is returned for calls enqueued after Shutdown.
	ErrBatcherClosed = errors.New("batch: batcher is closed")

	// ErrNoResult is returned for a call whose batch executed but whose
	// positional result was missing from the executor's response.
	ErrNoResult = errors.New("batch: no result returned")

	// ErrCanceled is the default rejection reason for CancelAll.
	ErrCanceled = errors.New("batch: call canceled")
)
