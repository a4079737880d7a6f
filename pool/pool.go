package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolpool/client"
)

// healthPingTimeout bounds each background health-check ping.
const healthPingTimeout = 5 * time.Second

// Config configures the connection pool.
type Config struct {
	// Factory creates new connections. Required.
	Factory client.Factory

	// MinConnections is the number of idle connections the background
	// loops keep per endpoint that has seen use.
	// Default: 0
	MinConnections int

	// MaxConnections is the maximum number of connections per endpoint,
	// idle and active combined.
	// Default: 10
	MaxConnections int

	// MaxTotalConnections caps connections across all endpoints.
	// Negative disables the cap.
	// Default: 100
	MaxTotalConnections int

	// IdleTimeout is how long a connection may sit idle before the
	// reaper discards it. Negative disables idle eviction.
	// Default: 5m
	IdleTimeout time.Duration

	// AcquireTimeout is how long Acquire waits for a connection when
	// the endpoint is at its limit.
	// Default: 30s
	AcquireTimeout time.Duration

	// HealthCheckInterval is how often idle connections are pinged and
	// endpoints topped back up to MinConnections. Negative disables
	// the health loop.
	// Default: 30s
	HealthCheckInterval time.Duration

	// MaxConnectionAge discards connections older than this instead of
	// returning them. Zero means no age limit.
	MaxConnectionAge time.Duration

	// ValidateOnAcquire pings idle candidates before handing them out.
	// A failed ping discards the candidate and the search continues.
	ValidateOnAcquire bool

	// OnError receives factory and close failures from background
	// work. Optional.
	OnError func(endpoint string, err error)

	// Logger receives structured pool events.
	// Default: zerolog.Nop()
	Logger *zerolog.Logger

	// MeterProvider supplies OpenTelemetry instruments.
	// Default: no-op provider
	MeterProvider metric.MeterProvider
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Created         uint64
	Destroyed       uint64
	AcquireTimeouts uint64
	IdleHits        uint64
	Active          int
	Idle            int
	Waiting         int
	Endpoints       int
}

type waiterResult struct {
	pc  *PooledConnection
	err error
}

// waiter is one caller blocked in Acquire because its endpoint is at
// the limit. removed is guarded by the pool mutex; ch is buffered so a
// delivery racing the waiter's timeout is never lost.
type waiter struct {
	endpoint string
	enqueued time.Time
	ch       chan waiterResult
	removed  bool
}

type endpointState struct {
	idle    []*PooledConnection
	waiters []*waiter
	// total counts idle, active, and reserved-but-not-yet-created
	// connections for this endpoint.
	total int
}

// Pool is a bounded connection pool partitioned by endpoint.
type Pool struct {
	cfg Config
	log zerolog.Logger
	met *poolMetrics

	mu        sync.Mutex
	endpoints map[string]*endpointState
	active    map[string]*PooledConnection
	total     int
	closed    bool

	createdCount   uint64
	destroyedCount uint64
	timeoutCount   uint64
	idleHitCount   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool and starts its background loops.
func New(cfg Config) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, ErrNilFactory
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.MaxTotalConnections == 0 {
		cfg.MaxTotalConnections = 100
	}
	if cfg.MinConnections < 0 {
		cfg.MinConnections = 0
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	met, err := newPoolMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:       cfg,
		log:       log,
		met:       met,
		endpoints: make(map[string]*endpointState),
		active:    make(map[string]*PooledConnection),
		stopCh:    make(chan struct{}),
	}

	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}

	return p, nil
}

// Acquire returns a connection for endpoint, creating one if the pool
// is under its caps or waiting FIFO for a release otherwise. The wait
// is bounded by AcquireTimeout and by ctx.
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*PooledConnection, error) {
	start := time.Now()
	pc, err := p.acquire(ctx, endpoint)
	p.met.recordAcquire(ctx, endpoint, time.Since(start), err)
	return pc, err
}

func (p *Pool) acquire(ctx context.Context, endpoint string) (*PooledConnection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		es := p.endpointLocked(endpoint)
		now := time.Now()

		// Idle first, newest out. Age-expired connections are discarded,
		// never returned.
		var candidate *PooledConnection
		var aged []*PooledConnection
		for len(es.idle) > 0 {
			pc := es.idle[len(es.idle)-1]
			es.idle = es.idle[:len(es.idle)-1]
			if pc.expired(p.cfg.MaxConnectionAge, now) {
				aged = append(aged, pc)
				continue
			}
			candidate = pc
			break
		}

		if candidate != nil {
			// Checked out before the ping so no other caller can see it.
			candidate.lastUsed = now
			candidate.useCount++
			p.active[candidate.id] = candidate
			p.idleHitCount++
			p.mu.Unlock()
			p.destroyAll(aged, "max age exceeded")

			if p.cfg.ValidateOnAcquire {
				if err := candidate.conn.Ping(ctx); err != nil {
					candidate.healthy = false
					p.log.Debug().
						Str("conn_id", candidate.id).
						Str("endpoint", endpoint).
						Err(err).
						Msg("discarding connection that failed validation")
					p.destroy(candidate, "validation failed")
					continue
				}
			}
			return candidate, nil
		}

		if es.total < p.cfg.MaxConnections && p.underGlobalCapLocked() {
			// Reserve the slot before dialing so concurrent acquires
			// never overshoot the caps.
			es.total++
			p.total++
			p.mu.Unlock()
			p.destroyAll(aged, "max age exceeded")
			return p.create(ctx, endpoint)
		}

		w := &waiter{
			endpoint: endpoint,
			enqueued: now,
			ch:       make(chan waiterResult, 1),
		}
		es.waiters = append(es.waiters, w)
		p.mu.Unlock()
		p.destroyAll(aged, "max age exceeded")
		return p.await(ctx, w)
	}
}

// create dials a connection for a slot that has already been reserved.
func (p *Pool) create(ctx context.Context, endpoint string) (*PooledConnection, error) {
	conn, err := p.cfg.Factory(ctx, endpoint)
	if err != nil {
		p.mu.Lock()
		p.unreserveLocked(endpoint)
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: create connection for %s: %w", endpoint, err)
	}

	pc := newPooledConnection(endpoint, conn)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeConn(pc)
		return nil, ErrPoolClosed
	}
	pc.useCount = 1
	p.active[pc.id] = pc
	p.createdCount++
	p.mu.Unlock()

	p.met.recordCreated(endpoint)
	p.log.Debug().Str("conn_id", pc.id).Str("endpoint", endpoint).Msg("created connection")
	return pc, nil
}

func (p *Pool) await(ctx context.Context, w *waiter) (*PooledConnection, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.pc, nil

	case <-ctx.Done():
		p.abandonWaiter(w)
		select {
		case r := <-w.ch:
			if r.pc != nil {
				p.Release(r.pc)
			}
		default:
		}
		return nil, ctx.Err()

	case <-timer.C:
		p.abandonWaiter(w)
		// A connection handed over as the timer fired is accepted.
		select {
		case r := <-w.ch:
			if r.err == nil && r.pc != nil {
				return r.pc, nil
			}
		default:
		}
		p.mu.Lock()
		p.timeoutCount++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: endpoint %s after %s", ErrAcquireTimeout, w.endpoint, p.cfg.AcquireTimeout)
	}
}

// abandonWaiter removes w from its queue so no further delivery is
// attempted. A delivery already in w.ch is drained by the caller.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.removed = true
	es := p.endpoints[w.endpoint]
	if es == nil {
		return
	}
	for i, queued := range es.waiters {
		if queued == w {
			es.waiters = append(es.waiters[:i], es.waiters[i+1:]...)
			return
		}
	}
}

// Release returns a connection to the pool. If a waiter exists for the
// endpoint the connection is handed to the oldest one directly. An
// untracked connection is closed, never pooled.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if p.active[pc.id] != pc {
		p.mu.Unlock()
		p.closeConn(pc)
		return
	}
	pc.lastUsed = time.Now()
	es := p.endpointLocked(pc.endpoint)
	if len(es.waiters) > 0 {
		w := es.waiters[0]
		es.waiters = es.waiters[1:]
		// Direct handoff: the connection stays in the active registry.
		pc.useCount++
		w.ch <- waiterResult{pc: pc}
		p.mu.Unlock()
		return
	}
	delete(p.active, pc.id)
	es.idle = append(es.idle, pc)
	p.mu.Unlock()
}

// WithConnection acquires a connection, runs fn, and releases the
// connection on every exit path.
func (p *Pool) WithConnection(ctx context.Context, endpoint string, fn func(ctx context.Context, conn client.Connection) error) error {
	pc, err := p.Acquire(ctx, endpoint)
	if err != nil {
		return err
	}
	defer p.Release(pc)
	return fn(ctx, pc.Conn())
}

// Warmup creates idle connections for each endpoint up to
// MinConnections. Factory failures are reported through OnError and do
// not abort the remaining endpoints.
func (p *Pool) Warmup(ctx context.Context, endpoints []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, endpoint := range endpoints {
		endpoint := endpoint
		g.Go(func() error {
			return p.topUp(ctx, endpoint)
		})
	}
	return g.Wait()
}

// topUp creates idle connections until the endpoint holds
// MinConnections, respecting both caps.
func (p *Pool) topUp(ctx context.Context, endpoint string) error {
	for i := 0; i < p.cfg.MinConnections; i++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		es := p.endpointLocked(endpoint)
		if es.total >= p.cfg.MinConnections || es.total >= p.cfg.MaxConnections || !p.underGlobalCapLocked() {
			p.mu.Unlock()
			return nil
		}
		es.total++
		p.total++
		p.mu.Unlock()

		conn, err := p.cfg.Factory(ctx, endpoint)
		if err != nil {
			p.mu.Lock()
			p.unreserveLocked(endpoint)
			p.mu.Unlock()
			p.reportError(endpoint, fmt.Errorf("pool: warmup connection for %s: %w", endpoint, err))
			continue
		}

		pc := newPooledConnection(endpoint, conn)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeConn(pc)
			return ErrPoolClosed
		}
		p.createdCount++
		p.registerLocked(p.endpointLocked(endpoint), pc)
		p.mu.Unlock()
		p.met.recordCreated(endpoint)
	}
	return nil
}

// Shutdown stops the background loops, fails every waiter, closes all
// tracked connections, and rejects further acquires. The first close
// error is returned; bookkeeping always completes.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true

	var conns []*PooledConnection
	for _, es := range p.endpoints {
		conns = append(conns, es.idle...)
		for _, w := range es.waiters {
			w.removed = true
			w.ch <- waiterResult{err: ErrPoolClosed}
		}
		es.idle, es.waiters = nil, nil
	}
	for _, pc := range p.active {
		conns = append(conns, pc)
	}
	p.active = make(map[string]*PooledConnection)
	p.endpoints = make(map[string]*endpointState)
	p.destroyedCount += uint64(len(conns))
	p.total = 0
	p.mu.Unlock()

	close(p.stopCh)

	var firstErr error
	for _, pc := range conns {
		if err := pc.conn.Close(); err != nil {
			p.reportError(pc.endpoint, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		p.met.recordDestroyed(pc.endpoint)
	}
	p.wg.Wait()

	p.log.Info().Int("closed", len(conns)).Msg("pool shut down")
	return firstErr
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Created:         p.createdCount,
		Destroyed:       p.destroyedCount,
		AcquireTimeouts: p.timeoutCount,
		IdleHits:        p.idleHitCount,
		Active:          len(p.active),
		Endpoints:       len(p.endpoints),
	}
	for _, es := range p.endpoints {
		s.Idle += len(es.idle)
		s.Waiting += len(es.waiters)
	}
	return s
}

// --- internal bookkeeping; every method suffixed Locked requires p.mu ---

func (p *Pool) endpointLocked(endpoint string) *endpointState {
	es := p.endpoints[endpoint]
	if es == nil {
		es = &endpointState{}
		p.endpoints[endpoint] = es
	}
	return es
}

func (p *Pool) underGlobalCapLocked() bool {
	return p.cfg.MaxTotalConnections < 0 || p.total < p.cfg.MaxTotalConnections
}

// unreserveLocked gives back a slot reserved for a creation that
// failed, then lets any waiter claim the freed capacity.
func (p *Pool) unreserveLocked(endpoint string) {
	if p.closed {
		return
	}
	if es := p.endpoints[endpoint]; es != nil {
		es.total--
	}
	p.total--
	p.serviceWaitersLocked()
}

// registerLocked hands pc to the oldest waiter if one exists, otherwise
// parks it idle.
func (p *Pool) registerLocked(es *endpointState, pc *PooledConnection) {
	if len(es.waiters) > 0 {
		w := es.waiters[0]
		es.waiters = es.waiters[1:]
		pc.lastUsed = time.Now()
		pc.useCount++
		p.active[pc.id] = pc
		w.ch <- waiterResult{pc: pc}
		return
	}
	delete(p.active, pc.id)
	es.idle = append(es.idle, pc)
}

// serviceWaitersLocked spawns creations for queued waiters while
// capacity is available, oldest waiter first across all endpoints. A
// freed global slot may belong to a waiter on any endpoint, not just
// the one whose connection went away. Each spawned creation has its
// slot reserved here, under the lock.
func (p *Pool) serviceWaitersLocked() {
	for p.underGlobalCapLocked() {
		var oldest *waiter
		var oldestEs *endpointState
		for _, es := range p.endpoints {
			if len(es.waiters) == 0 || es.total >= p.cfg.MaxConnections {
				continue
			}
			if w := es.waiters[0]; oldest == nil || w.enqueued.Before(oldest.enqueued) {
				oldest, oldestEs = w, es
			}
		}
		if oldest == nil {
			return
		}
		oldestEs.waiters = oldestEs.waiters[1:]
		oldestEs.total++
		p.total++
		p.wg.Add(1)
		go p.createForWaiter(oldest)
	}
}

func (p *Pool) createForWaiter(w *waiter) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.cfg.Factory(ctx, w.endpoint)
	p.mu.Lock()
	if err != nil {
		p.unreserveLocked(w.endpoint)
		p.mu.Unlock()
		w.ch <- waiterResult{err: fmt.Errorf("pool: create connection for %s: %w", w.endpoint, err)}
		p.reportError(w.endpoint, err)
		return
	}

	pc := newPooledConnection(w.endpoint, conn)
	if p.closed {
		p.mu.Unlock()
		p.closeConn(pc)
		w.ch <- waiterResult{err: ErrPoolClosed}
		return
	}
	p.createdCount++
	if w.removed {
		// The waiter gave up while we were dialing; keep the
		// connection for the next taker.
		p.registerLocked(p.endpointLocked(w.endpoint), pc)
		p.mu.Unlock()
		p.met.recordCreated(w.endpoint)
		return
	}
	pc.useCount = 1
	p.active[pc.id] = pc
	w.ch <- waiterResult{pc: pc}
	p.mu.Unlock()
	p.met.recordCreated(w.endpoint)
}

// destroy removes pc from the pool's books and closes it. Close
// failures are reported but never block bookkeeping.
func (p *Pool) destroy(pc *PooledConnection, reason string) {
	p.mu.Lock()
	delete(p.active, pc.id)
	if !p.closed {
		if es := p.endpoints[pc.endpoint]; es != nil {
			es.total--
		}
		p.total--
		p.destroyedCount++
		p.serviceWaitersLocked()
	}
	p.mu.Unlock()

	p.log.Debug().
		Str("conn_id", pc.id).
		Str("endpoint", pc.endpoint).
		Str("reason", reason).
		Msg("destroyed connection")
	p.closeConn(pc)
	p.met.recordDestroyed(pc.endpoint)
}

func (p *Pool) destroyAll(conns []*PooledConnection, reason string) {
	for _, pc := range conns {
		p.destroy(pc, reason)
	}
}

func (p *Pool) closeConn(pc *PooledConnection) {
	if err := pc.conn.Close(); err != nil {
		p.reportError(pc.endpoint, err)
	}
}

func (p *Pool) reportError(endpoint string, err error) {
	p.log.Warn().Str("endpoint", endpoint).Err(err).Msg("pool background error")
	if p.cfg.OnError != nil {
		p.cfg.OnError(endpoint, err)
	}
}

// --- background loops ---

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkIdleHealth()
			p.topUpAll()
		}
	}
}

// checkIdleHealth pulls every idle connection out of its list under the
// lock, pings it without the lock, and either re-registers it or
// destroys it. While a connection is being checked it is invisible to
// Acquire but still counted against the caps.
func (p *Pool) checkIdleHealth() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var checking []*PooledConnection
	for _, es := range p.endpoints {
		checking = append(checking, es.idle...)
		es.idle = es.idle[:0]
	}
	p.mu.Unlock()

	for _, pc := range checking {
		ctx, cancel := context.WithTimeout(context.Background(), healthPingTimeout)
		err := pc.conn.Ping(ctx)
		cancel()
		if err != nil {
			pc.healthy = false
			p.reportError(pc.endpoint, fmt.Errorf("pool: health check for %s: %w", pc.endpoint, err))
			p.destroy(pc, "health check failed")
			continue
		}
		p.mu.Lock()
		if p.closed {
			// Shutdown could not see this connection; it left the idle
			// list before the snapshot. Count its destruction here.
			p.destroyedCount++
			p.mu.Unlock()
			p.closeConn(pc)
			p.met.recordDestroyed(pc.endpoint)
			continue
		}
		p.registerLocked(p.endpointLocked(pc.endpoint), pc)
		p.mu.Unlock()
	}
}

func (p *Pool) topUpAll() {
	if p.cfg.MinConnections <= 0 {
		return
	}
	p.mu.Lock()
	endpoints := make([]string, 0, len(p.endpoints))
	for endpoint := range p.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	p.mu.Unlock()
	for _, endpoint := range endpoints {
		_ = p.topUp(context.Background(), endpoint)
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	interval := p.cfg.IdleTimeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle discards idle connections unused past IdleTimeout without
// dropping an endpoint below MinConnections, and age-expired ones
// unconditionally.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	var drop []*PooledConnection
	for _, es := range p.endpoints {
		kept := es.idle[:0]
		projected := es.total
		for _, pc := range es.idle {
			switch {
			case pc.expired(p.cfg.MaxConnectionAge, now):
				drop = append(drop, pc)
				projected--
			case pc.idleTooLong(p.cfg.IdleTimeout, now) && projected > p.cfg.MinConnections:
				drop = append(drop, pc)
				projected--
			default:
				kept = append(kept, pc)
			}
		}
		es.idle = kept
	}
	p.mu.Unlock()

	for _, pc := range drop {
		p.destroy(pc, "idle timeout")
	}
}
