// Package pool provides a bounded, endpoint-partitioned connection pool
// with health checking and idle eviction.
//
// Connections are created through a caller-supplied client.Factory and
// bounded both per endpoint and across the pool. Acquire prefers idle
// connections, creates new ones under the caps, and otherwise queues
// the caller FIFO until a connection is released, a slot opens, or the
// acquire timeout elapses. Two background loops ping idle connections
// and evict ones unused past the idle timeout.
package pool
