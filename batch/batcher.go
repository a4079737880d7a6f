package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonwraymond/toolpool/client"
)

// Executor dispatches one batch. Given calls [c0..cn-1] it must return
// results [r0..rn-1] in the same order; a missing result at index i
// fails only call i.
type Executor func(ctx context.Context, calls []Call) ([]client.Result, error)

// Config configures the batcher.
type Config struct {
	// Executor dispatches batches. Required.
	Executor Executor

	// MaxBatchSize is the most calls a single flush dispatches.
	// Default: 10
	MaxBatchSize int

	// MaxWait is the batch window, measured from the first call that
	// found no flush timer pending.
	// Default: 10ms
	MaxWait time.Duration

	// ExecuteOnFull flushes immediately when the queue reaches
	// MaxBatchSize instead of waiting out the window.
	ExecuteOnFull bool

	// Logger receives structured batcher events.
	// Default: zerolog.Nop()
	Logger *zerolog.Logger

	// MeterProvider supplies OpenTelemetry instruments.
	// Default: no-op provider
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the configuration used when callers have no
// opinion: batches of 10, a 10ms window, flush on full.
func DefaultConfig(executor Executor) Config {
	return Config{
		Executor:      executor,
		MaxBatchSize:  10,
		MaxWait:       10 * time.Millisecond,
		ExecuteOnFull: true,
	}
}

type outcome struct {
	result client.Result
	err    error
}

// Pending is the handle for one enqueued call. It completes when the
// call's batch resolves, rejects, or is cancelled.
type Pending struct {
	ch chan outcome
}

// Wait blocks until the call completes or ctx is done. A ctx error
// abandons the handle; the call itself still flushes with its batch.
func (p *Pending) Wait(ctx context.Context) (client.Result, error) {
	select {
	case o := <-p.ch:
		return o.result, o.err
	case <-ctx.Done():
		return client.Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(r client.Result) { p.ch <- outcome{result: r} }
func (p *Pending) reject(err error)        { p.ch <- outcome{err: err} }

// Batcher aggregates calls and dispatches them through the executor.
type Batcher struct {
	cfg Config
	log zerolog.Logger
	met *batchMetrics

	mu     sync.Mutex
	queue  []*queued
	seq    uint64
	timer  *time.Timer
	closed bool
}

// New creates a batcher. The executor is required; its absence is a
// configuration error reported before any work starts.
func New(cfg Config) (*Batcher, error) {
	if cfg.Executor == nil {
		return nil, ErrNilExecutor
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Millisecond
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	met, err := newBatchMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}
	return &Batcher{cfg: cfg, log: log, met: met}, nil
}

// Enqueue adds a call to the current batch and returns its handle.
// Higher priority flushes first; equal priorities flush in enqueue
// order.
func (b *Batcher) Enqueue(name string, args map[string]any, priority int) (*Pending, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBatcherClosed
	}
	b.seq++
	q := &queued{
		call:     Call{Name: name, Args: args},
		priority: priority,
		seq:      b.seq,
		enqueued: time.Now(),
		pending:  &Pending{ch: make(chan outcome, 1)},
	}
	b.queue = insert(b.queue, q)

	if b.cfg.ExecuteOnFull && len(b.queue) >= b.cfg.MaxBatchSize {
		b.stopTimerLocked()
		b.mu.Unlock()
		go b.Flush(context.Background())
		return q.pending, nil
	}

	// The window is measured from the first call that found no timer
	// pending; later calls extend the batch but never restart it.
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.MaxWait, b.flushOnTimer)
	}
	b.mu.Unlock()
	return q.pending, nil
}

// Call enqueues and waits for the result.
func (b *Batcher) Call(ctx context.Context, name string, args map[string]any, priority int) (client.Result, error) {
	pending, err := b.Enqueue(name, args, priority)
	if err != nil {
		return client.Result{}, err
	}
	return pending.Wait(ctx)
}

// CallImmediate bypasses the queue and dispatches a single-call batch.
func (b *Batcher) CallImmediate(ctx context.Context, name string, args map[string]any) (client.Result, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return client.Result{}, ErrBatcherClosed
	}
	b.mu.Unlock()

	results, err := b.cfg.Executor(ctx, []Call{{Name: name, Args: args}})
	b.met.recordFlush(ctx, 1, err)
	if err != nil {
		return client.Result{}, fmt.Errorf("batch: executor failed: %w", err)
	}
	if len(results) < 1 {
		return client.Result{}, fmt.Errorf("%w at index 0", ErrNoResult)
	}
	return results[0], nil
}

func (b *Batcher) flushOnTimer() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	b.Flush(context.Background())
}

// Flush dispatches up to MaxBatchSize calls off the front of the
// priority-sorted queue. The executor runs outside the batcher's lock;
// on failure every call in the batch is rejected uniformly.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	b.stopTimerLocked()
	n := len(b.queue)
	if n == 0 {
		b.mu.Unlock()
		return
	}
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	taken := make([]*queued, n)
	copy(taken, b.queue[:n])
	remaining := make([]*queued, len(b.queue)-n)
	copy(remaining, b.queue[n:])
	b.queue = remaining
	if len(b.queue) > 0 && !b.closed {
		b.timer = time.AfterFunc(b.cfg.MaxWait, b.flushOnTimer)
	}
	b.mu.Unlock()

	calls := make([]Call, n)
	for i, q := range taken {
		calls[i] = q.call
	}

	results, err := b.cfg.Executor(ctx, calls)
	b.met.recordFlush(ctx, n, err)
	if err != nil {
		b.log.Debug().Int("batch_size", n).Err(err).Msg("batch rejected by executor")
		rejection := fmt.Errorf("batch: executor failed: %w", err)
		for _, q := range taken {
			q.pending.reject(rejection)
		}
		return
	}
	for i, q := range taken {
		if i < len(results) {
			q.pending.resolve(results[i])
			continue
		}
		q.pending.reject(fmt.Errorf("%w at index %d", ErrNoResult, i))
	}
}

// CancelAll rejects every queued, not-yet-flushed call with reason and
// clears the flush timer. A nil reason rejects with ErrCanceled.
func (b *Batcher) CancelAll(reason error) {
	if reason == nil {
		reason = ErrCanceled
	}
	b.mu.Lock()
	b.stopTimerLocked()
	taken := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, q := range taken {
		q.pending.reject(reason)
	}
	if len(taken) > 0 {
		b.log.Debug().Int("canceled", len(taken)).Msg("canceled queued calls")
	}
}

// Shutdown rejects every queued call with ErrBatcherClosed and refuses
// further enqueues.
func (b *Batcher) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopTimerLocked()
	taken := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, q := range taken {
		q.pending.reject(ErrBatcherClosed)
	}
}

// Len returns the number of queued, not-yet-flushed calls.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
