package pool

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/toolpool/client"
)

// PooledConnection wraps one live connection together with the
// bookkeeping the pool needs. The mutable fields (lastUsed, useCount)
// are guarded by the owning pool's mutex.
type PooledConnection struct {
	id       string
	endpoint string
	conn     client.Connection

	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	healthy   bool
}

func newPooledConnection(endpoint string, conn client.Connection) *PooledConnection {
	now := time.Now()
	return &PooledConnection{
		id:        uuid.NewString(),
		endpoint:  endpoint,
		conn:      conn,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}
}

// ID returns the pool-assigned identifier of this connection.
func (pc *PooledConnection) ID() string { return pc.id }

// Endpoint returns the endpoint key this connection belongs to.
func (pc *PooledConnection) Endpoint() string { return pc.endpoint }

// Conn returns the underlying connection. Callers must not retain it
// past Release.
func (pc *PooledConnection) Conn() client.Connection { return pc.conn }

// CreatedAt returns the creation time of the underlying connection.
func (pc *PooledConnection) CreatedAt() time.Time { return pc.createdAt }

// Age returns how long ago the connection was created.
func (pc *PooledConnection) Age() time.Duration { return time.Since(pc.createdAt) }

// Healthy reports whether the last liveness check passed. A connection
// that fails a ping is marked unhealthy and destroyed.
func (pc *PooledConnection) Healthy() bool { return pc.healthy }

func (pc *PooledConnection) expired(maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && now.Sub(pc.createdAt) > maxAge
}

func (pc *PooledConnection) idleTooLong(idleTimeout time.Duration, now time.Time) bool {
	return idleTimeout > 0 && now.Sub(pc.lastUsed) > idleTimeout
}
