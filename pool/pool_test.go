package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/toolpool/client"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	closed   bool
	pingErr  error
	pingGate chan struct{}
	pings    int
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (client.Result, error) {
	return client.Result{Content: []client.Content{{Type: "text", Text: "ran " + name}}}, nil
}

func (c *fakeConn) ListTools(_ context.Context) ([]client.Definition, error)     { return nil, nil }
func (c *fakeConn) ListResources(_ context.Context) ([]client.Definition, error) { return nil, nil }
func (c *fakeConn) ListPrompts(_ context.Context) ([]client.Definition, error)   { return nil, nil }

func (c *fakeConn) Ping(_ context.Context) error {
	c.mu.Lock()
	c.pings++
	gate := c.pingGate
	err := c.pingErr
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeConn) setPingGate(gate chan struct{}) {
	c.mu.Lock()
	c.pingGate = gate
	c.mu.Unlock()
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

type fakeFactory struct {
	mu    sync.Mutex
	count int
	conns []*fakeConn
	err   error
	delay time.Duration
}

func (f *fakeFactory) create(ctx context.Context, endpoint string) (client.Connection, error) {
	f.mu.Lock()
	f.count++
	n := f.count
	err := f.err
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	conn := &fakeConn{id: fmt.Sprintf("%s-%d", endpoint, n)}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// quietConfig disables the background loops so tests control timing.
func quietConfig(f *fakeFactory) Config {
	return Config{
		Factory:             f.create,
		MaxConnections:      10,
		AcquireTimeout:      2 * time.Second,
		IdleTimeout:         -1,
		HealthCheckInterval: -1,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func TestPool_AcquireReusesIdle(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(quietConfig(f))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	pc1, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Release(pc1)

	pc2, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if pc2.ID() != pc1.ID() {
		t.Errorf("expected idle connection to be reused, got %s and %s", pc1.ID(), pc2.ID())
	}
	if f.created() != 1 {
		t.Errorf("factory called %d times, want 1", f.created())
	}

	stats := p.Stats()
	if stats.IdleHits != 1 {
		t.Errorf("IdleHits = %d, want 1", stats.IdleHits)
	}
}

func TestPool_PerEndpointAndGlobalBounds(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MaxConnections = 2
	cfg.MaxTotalConnections = 3
	cfg.AcquireTimeout = 50 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	var held []*PooledConnection
	for _, endpoint := range []string{"srv-a", "srv-a", "srv-b"} {
		pc, err := p.Acquire(ctx, endpoint)
		if err != nil {
			t.Fatalf("Acquire(%s) failed: %v", endpoint, err)
		}
		held = append(held, pc)
	}

	// srv-a is at its per-endpoint limit.
	if _, err := p.Acquire(ctx, "srv-a"); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Acquire beyond endpoint limit returned %v, want ErrAcquireTimeout", err)
	}
	// srv-b has endpoint headroom but the pool is at the global cap.
	if _, err := p.Acquire(ctx, "srv-b"); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Acquire beyond global cap returned %v, want ErrAcquireTimeout", err)
	}
	if f.created() != 3 {
		t.Errorf("factory called %d times, want 3", f.created())
	}
	for _, pc := range held {
		p.Release(pc)
	}
}

func TestPool_FairnessFIFO(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MaxConnections = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	pc1, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	order := make(chan string, 2)
	var wg sync.WaitGroup
	start := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := p.Acquire(ctx, "srv-a")
			if err != nil {
				t.Errorf("%s Acquire failed: %v", name, err)
				return
			}
			order <- name
			time.Sleep(10 * time.Millisecond)
			p.Release(pc)
		}()
	}

	start("second")
	waitFor(t, time.Second, func() bool { return p.Stats().Waiting == 1 }, "second caller queued")
	start("third")
	waitFor(t, time.Second, func() bool { return p.Stats().Waiting == 2 }, "third caller queued")

	p.Release(pc1)
	wg.Wait()

	if got := <-order; got != "second" {
		t.Errorf("first handoff went to %q, want second", got)
	}
	if got := <-order; got != "third" {
		t.Errorf("second handoff went to %q, want third", got)
	}
	if f.created() != 1 {
		t.Errorf("factory called %d times, want 1", f.created())
	}
}

func TestPool_AcquireContextCancel(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MaxConnections = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background(), "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Release(pc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "srv-a")
		done <- err
	}()
	waitFor(t, time.Second, func() bool { return p.Stats().Waiting == 1 }, "caller queued")
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("canceled Acquire returned %v, want context.Canceled", err)
	}
}

func TestPool_ValidateOnAcquireDiscardsFailedPing(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.ValidateOnAcquire = true
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	pc1, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	bad := pc1.Conn().(*fakeConn)
	p.Release(pc1)
	bad.setPingErr(errors.New("connection reset"))

	pc2, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	defer p.Release(pc2)

	if pc2.ID() == pc1.ID() {
		t.Error("connection that failed validation was handed out")
	}
	if !bad.isClosed() {
		t.Error("connection that failed validation was not closed")
	}
	if f.created() != 2 {
		t.Errorf("factory called %d times, want 2", f.created())
	}
}

func TestPool_MaxConnectionAge(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MaxConnectionAge = 20 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	pc1, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	old := pc1.Conn().(*fakeConn)
	p.Release(pc1)

	time.Sleep(30 * time.Millisecond)

	pc2, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	defer p.Release(pc2)

	if pc2.ID() == pc1.ID() {
		t.Error("connection past max age was handed out")
	}
	if !old.isClosed() {
		t.Error("connection past max age was not closed")
	}
}

func TestPool_ReleaseUntrackedClosesConnection(t *testing.T) {
	f := &fakeFactory{}
	p1, err := New(quietConfig(f))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p1.Shutdown()
	p2, err := New(quietConfig(f))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p2.Shutdown()
	ctx := context.Background()

	pc, err := p1.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Released to the wrong pool: closed defensively, never pooled.
	p2.Release(pc)
	if !pc.Conn().(*fakeConn).isClosed() {
		t.Error("untracked connection was not closed")
	}
	if idle := p2.Stats().Idle; idle != 0 {
		t.Errorf("untracked connection was pooled, idle = %d", idle)
	}
}

func TestPool_Warmup(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MinConnections = 3
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()

	if err := p.Warmup(context.Background(), []string{"srv-a", "srv-b"}); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	stats := p.Stats()
	if stats.Idle != 6 {
		t.Errorf("Idle = %d after warmup, want 6", stats.Idle)
	}
	if f.created() != 6 {
		t.Errorf("factory called %d times, want 6", f.created())
	}
}

func TestPool_WarmupFactoryFailureReported(t *testing.T) {
	f := &fakeFactory{}
	f.setErr(errors.New("dial refused"))

	var reported atomic.Int32
	cfg := quietConfig(f)
	cfg.MinConnections = 2
	cfg.OnError = func(endpoint string, err error) {
		reported.Add(1)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()

	if err := p.Warmup(context.Background(), []string{"srv-a"}); err != nil {
		t.Fatalf("Warmup returned %v, want nil despite factory failures", err)
	}
	if reported.Load() == 0 {
		t.Error("factory failures were not reported through OnError")
	}
	if p.Stats().Idle != 0 {
		t.Errorf("Idle = %d, want 0", p.Stats().Idle)
	}
}

func TestPool_HealthLoopReplacesUnhealthy(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MinConnections = 1
	cfg.HealthCheckInterval = 10 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	pc, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	sick := pc.Conn().(*fakeConn)
	p.Release(pc)
	sick.setPingErr(errors.New("broken pipe"))

	waitFor(t, 2*time.Second, func() bool {
		return sick.isClosed() && p.Stats().Idle >= 1
	}, "unhealthy connection replaced")

	if f.created() < 2 {
		t.Errorf("factory called %d times, want at least 2", f.created())
	}
}

func TestPool_IdleReap(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.IdleTimeout = 20 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	pc, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	conn := pc.Conn().(*fakeConn)
	p.Release(pc)

	waitFor(t, 2*time.Second, func() bool {
		return conn.isClosed() && p.Stats().Idle == 0
	}, "idle connection reaped")
}

func TestPool_Shutdown(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MaxConnections = 1
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	pc, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	conn := pc.Conn().(*fakeConn)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "srv-a")
		waiterErr <- err
	}()
	waitFor(t, time.Second, func() bool { return p.Stats().Waiting == 1 }, "caller queued")

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-waiterErr; !errors.Is(err, ErrPoolClosed) {
		t.Errorf("waiter got %v, want ErrPoolClosed", err)
	}
	if !conn.isClosed() {
		t.Error("tracked connection not closed on shutdown")
	}
	if _, err := p.Acquire(ctx, "srv-a"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after shutdown returned %v, want ErrPoolClosed", err)
	}
	if err := p.Shutdown(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("second Shutdown returned %v, want ErrPoolClosed", err)
	}
}

func TestPool_WithConnectionSerializesRounds(t *testing.T) {
	f := &fakeFactory{}
	cfg := quietConfig(f)
	cfg.MaxConnections = 3
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	const callers = 10
	const work = 20 * time.Millisecond

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithConnection(ctx, "srv-a", func(ctx context.Context, conn client.Connection) error {
				n := inFlight.Add(1)
				for {
					cur := maxInFlight.Load()
					if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(work)
				inFlight.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithConnection failed: %v", err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if got := maxInFlight.Load(); got > 3 {
		t.Errorf("max concurrent holders = %d, want <= 3", got)
	}
	if f.created() > 3 {
		t.Errorf("factory called %d times, want <= 3", f.created())
	}
	// 10 callers over 3 connections is at least 4 serialized rounds.
	if elapsed < 4*work-5*time.Millisecond {
		t.Errorf("elapsed %s, want at least ~%s", elapsed, 4*work)
	}
}

func TestPool_GlobalSlotFreedServesOtherEndpointWaiter(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(Config{
		Factory:             f.create,
		MaxConnections:      5,
		MaxTotalConnections: 1,
		AcquireTimeout:      2 * time.Second,
		IdleTimeout:         20 * time.Millisecond,
		HealthCheckInterval: -1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer p.Shutdown()
	ctx := context.Background()

	held, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		pc, err := p.Acquire(ctx, "srv-b")
		if err == nil {
			p.Release(pc)
		}
		got <- err
	}()
	waitFor(t, time.Second, func() bool { return p.Stats().Waiting == 1 }, "srv-b caller queued")

	// Releasing srv-a parks it idle; the reaper destroys it and frees
	// the only global slot, which belongs to the srv-b waiter.
	p.Release(held)

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("srv-b Acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("srv-b caller still waiting after the global slot was freed")
	}
	if f.created() != 2 {
		t.Errorf("factory called %d times, want 2", f.created())
	}
}

func TestPool_ShutdownDuringHealthCheckCountsDestroyed(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(quietConfig(f))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	pc, err := p.Acquire(ctx, "srv-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	conn := pc.Conn().(*fakeConn)
	p.Release(pc)

	gate := make(chan struct{})
	conn.setPingGate(gate)

	done := make(chan struct{})
	go func() {
		p.checkIdleHealth()
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return conn.pingCount() == 1 }, "health ping in flight")

	// The connection is out of the idle list, so Shutdown cannot see it.
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	close(gate)
	<-done

	if !conn.isClosed() {
		t.Error("connection held by the health check was not closed")
	}
	if got := p.Stats().Destroyed; got != 1 {
		t.Errorf("Destroyed = %d, want 1", got)
	}
}
