// Package batch coalesces tool calls issued within a short window into
// a single executor invocation, trading a little latency for fewer
// round trips.
//
// Calls are queued in priority order (higher first, FIFO within a
// priority) and flushed when the batch window elapses or, optionally,
// as soon as the queue reaches the maximum batch size. The executor
// receives the batch in order and must return one result per call in
// the same order. An executor failure rejects every call in that batch
// uniformly.
package batch
