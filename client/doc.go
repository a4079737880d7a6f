// Package client defines the shared contract between the pool, batch,
// and cache packages and the transport that actually moves bytes.
//
// It contains the Connection interface, the Factory signature used by
// the connection pool, and the Definition/Result types exchanged with a
// remote tool server. Nothing in this package performs I/O.
package client
