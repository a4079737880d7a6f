package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/toolpool/client"
)

// FetchFunc retrieves the current definitions of one kind, typically by
// borrowing a pooled connection and calling the matching list method.
type FetchFunc func(ctx context.Context) ([]client.Definition, error)

// GetOptions control one Get call.
type GetOptions struct {
	// ForceRefresh bypasses memory and storage and fetches anew.
	ForceRefresh bool

	// StaleWhileRevalidate serves an expired entry immediately and
	// refreshes it in the background.
	StaleWhileRevalidate bool
}

// Config configures the cacher.
type Config struct {
	// TTL is how long a fetched entry stays fresh.
	// Default: 5m
	TTL time.Duration

	// AutoRefresh re-fetches entries shortly before they expire so
	// steady-state callers never observe the miss path.
	AutoRefresh bool

	// AutoRefreshBeforeExpiry is how long before expiry the refresh
	// fires. Clamped to TTL/2 when it is not below TTL.
	// Default: 10s
	AutoRefreshBeforeExpiry time.Duration

	// Storage mirrors entries across restarts. Optional.
	Storage Storage

	// FetchTools, FetchResources, and FetchPrompts supply the data.
	// Get fails fast with ErrNoFetcher for a kind whose fetch is nil.
	FetchTools     FetchFunc
	FetchResources FetchFunc
	FetchPrompts   FetchFunc

	// OnUpdate is called after every successful fetch with the new
	// definitions. Optional; called outside the cacher's lock.
	OnUpdate func(kind client.DefinitionKind, defs []client.Definition)

	// Logger receives structured cacher events.
	// Default: zerolog.Nop()
	Logger *zerolog.Logger

	// MeterProvider supplies OpenTelemetry instruments.
	// Default: no-op provider
	MeterProvider metric.MeterProvider
}

// Stats is a snapshot of cacher counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	SizeBytes int
}

type entry struct {
	defs      []client.Definition
	fetchedAt time.Time
	expiresAt time.Time
	size      int
}

func (e *entry) fresh(now time.Time) bool { return now.Before(e.expiresAt) }

// Cacher caches definition listings per kind.
type Cacher struct {
	cfg Config
	log zerolog.Logger
	met *cacheMetrics

	mu       sync.Mutex
	entries  map[client.DefinitionKind]*entry
	timers   map[client.DefinitionKind]*time.Timer
	disposed bool
	hits     uint64
	misses   uint64

	group singleflight.Group
}

// New creates a cacher.
func New(cfg Config) (*Cacher, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.AutoRefreshBeforeExpiry <= 0 {
		cfg.AutoRefreshBeforeExpiry = 10 * time.Second
	}
	if cfg.AutoRefreshBeforeExpiry >= cfg.TTL {
		cfg.AutoRefreshBeforeExpiry = cfg.TTL / 2
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	met, err := newCacheMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}
	return &Cacher{
		cfg:     cfg,
		log:     log,
		met:     met,
		entries: make(map[client.DefinitionKind]*entry),
		timers:  make(map[client.DefinitionKind]*time.Timer),
	}, nil
}

// GetTools returns the cached tool definitions, fetching on miss.
func (c *Cacher) GetTools(ctx context.Context) ([]client.Definition, error) {
	return c.Get(ctx, client.KindTools, GetOptions{})
}

// GetResources returns the cached resource definitions, fetching on miss.
func (c *Cacher) GetResources(ctx context.Context) ([]client.Definition, error) {
	return c.Get(ctx, client.KindResources, GetOptions{})
}

// GetPrompts returns the cached prompt definitions, fetching on miss.
func (c *Cacher) GetPrompts(ctx context.Context) ([]client.Definition, error) {
	return c.Get(ctx, client.KindPrompts, GetOptions{})
}

// Get returns the definitions for kind. Lookup order: fresh memory
// entry, stale entry under StaleWhileRevalidate, persistent storage,
// then a single-flight foreground fetch shared with concurrent misses.
func (c *Cacher) Get(ctx context.Context, kind client.DefinitionKind, opts GetOptions) ([]client.Definition, error) {
	fetch, err := c.fetcher(kind)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	now := time.Now()
	e := c.entries[kind]

	if e != nil && !opts.ForceRefresh {
		if e.fresh(now) {
			c.hits++
			defs := e.defs
			c.mu.Unlock()
			c.met.recordHit(ctx, kind)
			return defs, nil
		}
		if opts.StaleWhileRevalidate {
			c.hits++
			defs := e.defs
			c.mu.Unlock()
			c.met.recordHit(ctx, kind)
			go c.refresh(kind, fetch)
			return defs, nil
		}
	}
	c.misses++
	c.mu.Unlock()
	c.met.recordMiss(ctx, kind)

	if e == nil && !opts.ForceRefresh && c.cfg.Storage != nil {
		if defs, ok := c.promote(ctx, kind); ok {
			return defs, nil
		}
	}

	v, err, _ := c.group.Do(string(kind), func() (any, error) {
		// A concurrent fetch may have landed between the miss and
		// joining the group.
		if !opts.ForceRefresh {
			c.mu.Lock()
			if cached := c.entries[kind]; cached != nil && cached.fresh(time.Now()) {
				defs := cached.defs
				c.mu.Unlock()
				return defs, nil
			}
			c.mu.Unlock()
		}
		return c.doFetch(ctx, kind, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v.([]client.Definition), nil
}

// Invalidate removes the entry for kind from memory and storage and
// cancels its auto-refresh timer.
func (c *Cacher) Invalidate(ctx context.Context, kind client.DefinitionKind) error {
	c.mu.Lock()
	delete(c.entries, kind)
	c.stopTimerLocked(kind)
	c.mu.Unlock()

	if c.cfg.Storage != nil {
		if err := c.cfg.Storage.Delete(ctx, string(kind)); err != nil {
			return fmt.Errorf("cache: invalidate %s: %w", kind, err)
		}
	}
	return nil
}

// InvalidateAll removes every entry from memory and storage and
// cancels all auto-refresh timers.
func (c *Cacher) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[client.DefinitionKind]*entry)
	for kind := range c.timers {
		c.stopTimerLocked(kind)
	}
	c.mu.Unlock()

	if c.cfg.Storage != nil {
		if err := c.cfg.Storage.Clear(ctx); err != nil {
			return fmt.Errorf("cache: invalidate all: %w", err)
		}
	}
	return nil
}

// Stats returns hit/miss counters and the approximate memory footprint
// of cached entries.
func (c *Cacher) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
	for _, e := range c.entries {
		s.SizeBytes += e.size
	}
	return s
}

// Dispose cancels timers and clears memory state. Persistent storage is
// left untouched; a new cacher over the same storage picks it back up.
func (c *Cacher) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	for kind := range c.timers {
		c.stopTimerLocked(kind)
	}
	c.entries = make(map[client.DefinitionKind]*entry)
}

func (c *Cacher) fetcher(kind client.DefinitionKind) (FetchFunc, error) {
	var fetch FetchFunc
	switch kind {
	case client.KindTools:
		fetch = c.cfg.FetchTools
	case client.KindResources:
		fetch = c.cfg.FetchResources
	case client.KindPrompts:
		fetch = c.cfg.FetchPrompts
	default:
		return nil, fmt.Errorf("%w: %q", client.ErrUnknownKind, kind)
	}
	if fetch == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, kind)
	}
	return fetch, nil
}

// promote loads a non-expired entry from storage into memory. Storage
// failures degrade to a normal fetch.
func (c *Cacher) promote(ctx context.Context, kind client.DefinitionKind) ([]client.Definition, bool) {
	data, ok, err := c.cfg.Storage.Get(ctx, string(kind))
	if err != nil {
		c.log.Warn().Str("kind", string(kind)).Err(err).Msg("storage read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	e, err := decodeEntry(data)
	if err != nil {
		c.log.Warn().Str("kind", string(kind)).Err(err).Msg("discarding undecodable stored entry")
		_ = c.cfg.Storage.Delete(ctx, string(kind))
		return nil, false
	}
	if !e.fresh(time.Now()) {
		_ = c.cfg.Storage.Delete(ctx, string(kind))
		return nil, false
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, false
	}
	c.entries[kind] = e
	c.mu.Unlock()
	c.armAutoRefresh(kind, time.Until(e.expiresAt))
	c.log.Debug().Str("kind", string(kind)).Int("definitions", len(e.defs)).Msg("promoted entry from storage")
	return e.defs, true
}

// doFetch performs one fetch and, on success, populates memory, mirrors
// to storage best-effort, arms auto-refresh, and fires OnUpdate. On
// failure no cached state changes.
func (c *Cacher) doFetch(ctx context.Context, kind client.DefinitionKind, fetch FetchFunc) ([]client.Definition, error) {
	defs, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s: %w", kind, err)
	}

	now := time.Now()
	e := &entry{
		defs:      defs,
		fetchedAt: now,
		expiresAt: now.Add(c.cfg.TTL),
	}
	encoded, encErr := encodeEntry(e)
	if encErr == nil {
		e.size = len(encoded)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return defs, nil
	}
	c.entries[kind] = e
	c.mu.Unlock()

	if c.cfg.Storage != nil {
		if encErr != nil {
			c.log.Warn().Str("kind", string(kind)).Err(encErr).Msg("entry not mirrored to storage")
		} else if err := c.cfg.Storage.Set(ctx, string(kind), encoded); err != nil {
			c.log.Warn().Str("kind", string(kind)).Err(err).Msg("storage write failed")
		}
	}

	c.armAutoRefresh(kind, c.cfg.TTL)
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(kind, defs)
	}
	return defs, nil
}

// refresh runs a background fetch through the same single-flight group
// as foreground misses. Errors are logged, never surfaced; the stale
// entry stays in place and auto-refresh retries on a shortened timer.
func (c *Cacher) refresh(kind client.DefinitionKind, fetch FetchFunc) {
	_, err, _ := c.group.Do(string(kind), func() (any, error) {
		return c.doFetch(context.Background(), kind, fetch)
	})
	if err != nil {
		c.log.Warn().Str("kind", string(kind)).Err(err).Msg("background refresh failed")
		c.rearmAfterFailure(kind, fetch)
	}
}

// rearmAfterFailure schedules a retry so a transient fetch error does
// not end proactive refreshing for the entry.
func (c *Cacher) rearmAfterFailure(kind client.DefinitionKind, fetch FetchFunc) {
	if !c.cfg.AutoRefresh {
		return
	}
	delay := c.cfg.AutoRefreshBeforeExpiry / 2
	if delay <= 0 {
		delay = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	// An invalidated entry is not resurrected by a retry.
	if _, ok := c.entries[kind]; !ok {
		return
	}
	c.stopTimerLocked(kind)
	c.timers[kind] = time.AfterFunc(delay, func() {
		c.refresh(kind, fetch)
	})
}

// armAutoRefresh schedules a refresh shortly before the entry expires.
func (c *Cacher) armAutoRefresh(kind client.DefinitionKind, ttl time.Duration) {
	if !c.cfg.AutoRefresh {
		return
	}
	fetch, err := c.fetcher(kind)
	if err != nil {
		return
	}
	delay := ttl - c.cfg.AutoRefreshBeforeExpiry
	if delay <= 0 {
		delay = ttl / 2
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.stopTimerLocked(kind)
	c.timers[kind] = time.AfterFunc(delay, func() {
		c.refresh(kind, fetch)
	})
}

// stopTimerLocked requires c.mu.
func (c *Cacher) stopTimerLocked(kind client.DefinitionKind) {
	if t := c.timers[kind]; t != nil {
		t.Stop()
		delete(c.timers, kind)
	}
}
