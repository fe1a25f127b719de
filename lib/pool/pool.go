package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/memkeep/memkeep/lib/errors"
)

// Handle is an opaque client handle owned by the pool until teardown.
type Handle any

// Factory creates a new handle. It is called with the pool lock held, so it
// runs at most once at a time per pool.
type Factory func(ctx context.Context) (Handle, error)

// SessionCounter reports the number of sessions open against the backing
// store. It is used for diagnostics only.
type SessionCounter interface {
	CountSessions(ctx context.Context) (int, error)
}

// Config configures the pool.
type Config struct {
	// MaxSize is the advisory capacity of the pool.
	// Default: 10
	MaxSize int
	// IdleTimeout is how long a handle may go unused before the reclaimer
	// removes it. Pressure eviction uses half of this value.
	// Default: 10 minutes
	IdleTimeout time.Duration
	// MaxLifetime is the maximum age of a handle.
	// Default: 1 hour
	MaxLifetime time.Duration
	// ReclaimInterval is the reclaimer period used when StartReclaiming is
	// called with a non-positive interval.
	// Default: 5 minutes
	ReclaimInterval time.Duration
	// DrainTimeout bounds how long an evicted handle with outstanding
	// references is kept before it is torn down anyway.
	// Default: 30 seconds
	DrainTimeout time.Duration
	// StopTimeout bounds how long StopReclaiming waits for the loop to exit.
	// Default: 5 seconds
	StopTimeout time.Duration
	// Probes is the ordered teardown strategy. Nil means DefaultProbes().
	Probes []Probe
	// Sessions backs ActiveConnectionCount. Nil means no external store.
	Sessions SessionCounter
}

// DefaultConfig returns a Config with the defaults listed on each field.
func DefaultConfig() Config {
	return Config{
		MaxSize:         10,
		IdleTimeout:     10 * time.Minute,
		MaxLifetime:     time.Hour,
		ReclaimInterval: 5 * time.Minute,
		DrainTimeout:    30 * time.Second,
		StopTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = d.ReclaimInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.Probes == nil {
		c.Probes = DefaultProbes()
	}
	return c
}

// Pool maps keys to reference-counted handles.
type Pool struct {
	factory Factory
	config  Config
	now     func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	draining []*entry
	// orphans counts references still held on handles torn down by
	// DrainTimeout, per key. Their releases are swallowed.
	orphans map[string]int

	reclaimer reclaimer

	// Metrics
	acquireCount   uint64
	acquireFailed  uint64
	createdCount   uint64
	releaseCount   uint64
	evictionCount  uint64
	teardownErrors uint64
}

// New creates a pool. The reclaimer is not started.
func New(factory Factory, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		factory: factory,
		config:  cfg,
		now:     time.Now,
		entries: make(map[string]*entry, cfg.MaxSize),
		orphans: make(map[string]int),
	}

	log.WithField("maxSize", cfg.MaxSize).
		WithField("idleTimeout", cfg.IdleTimeout).
		WithField("maxLifetime", cfg.MaxLifetime).
		Debug("pool created")
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.config
}

// Acquire returns the handle stored under key, creating it with the factory
// if the key is absent. Every successful Acquire must be paired with a
// Release of the same key.
func (p *Pool) Acquire(ctx context.Context, key string) (Handle, error) {
	start := time.Now()
	atomic.AddUint64(&p.acquireCount, 1)
	PoolAcquireTotal.Inc()
	defer func() {
		PoolAcquireLatency.ObserveSince(start)
	}()

	p.mu.Lock()
	now := p.now()

	if e, ok := p.entries[key]; ok {
		e.refs++
		e.lastUsed = now
		h, refs := e.handle, e.refs
		p.updateGaugesLocked()
		p.mu.Unlock()
		log.WithField("key", key).WithField("refs", refs).Debug("reusing pooled handle")
		return h, nil
	}

	var evicted []*entry
	if len(p.entries) >= p.config.MaxSize {
		evicted = p.evictIdleLocked(now, p.config.IdleTimeout/2, "pressure")
		if len(p.entries) >= p.config.MaxSize {
			log.WithField("size", len(p.entries)).
				WithField("maxSize", p.config.MaxSize).
				Warn("pool over capacity, admitting new handle")
		}
	}

	h, err := p.factory(ctx)
	if err != nil {
		p.mu.Unlock()
		p.teardownEntries(evicted, "pressure")
		atomic.AddUint64(&p.acquireFailed, 1)
		PoolAcquireFailedTotal.Inc()
		log.WithField("key", key).WithError(err).Warn("failed to create handle")
		return nil, fmt.Errorf("pool: create handle for %q: %w", key, err)
	}

	p.entries[key] = newEntry(key, h, now)
	p.updateGaugesLocked()
	p.mu.Unlock()

	atomic.AddUint64(&p.createdCount, 1)
	PoolHandlesCreatedTotal.Inc()
	log.WithField("key", key).Debug("created pooled handle")

	p.teardownEntries(evicted, "pressure")
	return h, nil
}

// Release drops one reference to key. When the count reaches zero the
// handle is removed and torn down before Release returns. Releasing an
// unknown key is a no-op.
//
// An evicted handle that is still draining under key is released before the
// live one, so references taken before an eviction drain the older handle.
// References to a handle already torn down by DrainTimeout are released
// first of all and touch nothing.
func (p *Pool) Release(key string) {
	atomic.AddUint64(&p.releaseCount, 1)
	PoolReleaseTotal.Inc()

	p.mu.Lock()

	if n := p.orphans[key]; n > 0 {
		if n == 1 {
			delete(p.orphans, key)
		} else {
			p.orphans[key] = n - 1
		}
		p.mu.Unlock()
		log.WithField("key", key).Debug("late release of force-drained handle ignored")
		return
	}

	if i := p.drainingIndexLocked(key); i >= 0 {
		d := p.draining[i]
		d.refs--
		if d.refs > 0 {
			p.mu.Unlock()
			return
		}
		p.draining = append(p.draining[:i], p.draining[i+1:]...)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.teardown(d, "drained")
		return
	}

	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		log.WithField("key", key).Debug("release of unknown key ignored")
		return
	}

	e.refs--
	if e.refs > 0 {
		p.updateGaugesLocked()
		p.mu.Unlock()
		return
	}

	delete(p.entries, key)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.teardown(e, "released")
}

// With acquires key, runs fn with the handle and releases key, whatever fn
// returns.
func (p *Pool) With(ctx context.Context, key string, fn func(Handle) error) error {
	h, err := p.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer p.Release(key)
	return fn(h)
}

// EvictAll removes and tears down every handle, live or draining,
// regardless of reference counts.
func (p *Pool) EvictAll() {
	p.mu.Lock()
	victims := make([]*entry, 0, len(p.entries)+len(p.draining))
	for key, e := range p.entries {
		victims = append(victims, e)
		delete(p.entries, key)
	}
	victims = append(victims, p.draining...)
	p.draining = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	if len(victims) > 0 {
		log.WithField("count", len(victims)).Info("evicting all pooled handles")
	}
	p.teardownEntries(victims, "shutdown")
}

// ActiveConnectionCount asks the backing store how many sessions it holds.
// It returns 0 when no session counter is configured and -1 when the query
// fails.
func (p *Pool) ActiveConnectionCount(ctx context.Context) int {
	if p.config.Sessions == nil {
		return 0
	}
	n, err := p.config.Sessions.CountSessions(ctx)
	if err != nil {
		log.WithError(fmt.Errorf("%w: %v", apperrors.ErrDiagnosticQuery, err)).Debug("session count unavailable")
		return -1
	}
	return n
}

// Len returns the number of live handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// RefCount returns the reference count of the live handle under key.
func (p *Pool) RefCount(key string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return 0, false
	}
	return e.refs, true
}

// Keys returns the keys of all live handles in no particular order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	return keys
}

// evictIdleLocked retires every live entry idle longer than threshold and
// returns the ones that can be torn down now. Caller must hold p.mu.
func (p *Pool) evictIdleLocked(now time.Time, threshold time.Duration, reason string) []*entry {
	var doomed []*entry
	for _, e := range p.entries {
		if e.idleFor(now) > threshold {
			if p.retireLocked(e, now) {
				doomed = append(doomed, e)
			}
			log.WithField("key", e.key).WithField("reason", reason).Debug("evicting idle handle")
		}
	}
	return doomed
}

// retireLocked removes e from the key map. It reports true when e has no
// references left and should be torn down by the caller; otherwise e is
// parked as draining. Caller must hold p.mu.
func (p *Pool) retireLocked(e *entry, now time.Time) bool {
	delete(p.entries, e.key)
	atomic.AddUint64(&p.evictionCount, 1)
	PoolEvictionsTotal.Inc()
	if e.refs <= 0 {
		return true
	}
	e.retiredAt = now
	p.draining = append(p.draining, e)
	return false
}

// drainingIndexLocked returns the oldest draining entry for key, or -1.
func (p *Pool) drainingIndexLocked(key string) int {
	for i, d := range p.draining {
		if d.key == key {
			return i
		}
	}
	return -1
}

func (p *Pool) teardownEntries(entries []*entry, reason string) {
	for _, e := range entries {
		p.teardown(e, reason)
	}
}

// teardown closes a handle that is no longer reachable through the pool.
func (p *Pool) teardown(e *entry, reason string) {
	errs := Teardown(e.key, e.handle, p.config.Probes)
	for _, err := range errs {
		atomic.AddUint64(&p.teardownErrors, 1)
		PoolTeardownErrorsTotal.Inc()
		log.WithField("key", e.key).WithField("reason", reason).WithError(err).Warn("teardown step failed")
	}
	log.WithField("key", e.key).WithField("reason", reason).Debug("handle torn down")
}

// Stats holds pool statistics.
type Stats struct {
	// MaxSize is the advisory pool capacity.
	MaxSize int
	// Entries is the number of live handles.
	Entries int
	// Draining is the number of evicted handles still referenced.
	Draining int
	// Refs is the sum of reference counts over live handles.
	Refs int
	// AcquireCount is the total number of Acquire calls.
	AcquireCount uint64
	// AcquireFailed is the number of Acquire calls whose factory failed.
	AcquireFailed uint64
	// Created is the number of handles built by the factory.
	Created uint64
	// ReleaseCount is the total number of Release calls.
	ReleaseCount uint64
	// Evictions counts handles removed by pressure or the reclaimer.
	Evictions uint64
	// TeardownErrors counts failed teardown steps.
	TeardownErrors uint64
	// Reclaimer is the reclaimer state.
	Reclaimer ReclaimerState
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	refs := 0
	for _, e := range p.entries {
		refs += e.refs
	}
	s := Stats{
		MaxSize:  p.config.MaxSize,
		Entries:  len(p.entries),
		Draining: len(p.draining),
		Refs:     refs,
	}
	p.mu.Unlock()

	s.AcquireCount = atomic.LoadUint64(&p.acquireCount)
	s.AcquireFailed = atomic.LoadUint64(&p.acquireFailed)
	s.Created = atomic.LoadUint64(&p.createdCount)
	s.ReleaseCount = atomic.LoadUint64(&p.releaseCount)
	s.Evictions = atomic.LoadUint64(&p.evictionCount)
	s.TeardownErrors = atomic.LoadUint64(&p.teardownErrors)
	s.Reclaimer = p.ReclaimerState()
	return s
}

// updateGaugesLocked refreshes the size gauges. Caller must hold p.mu.
func (p *Pool) updateGaugesLocked() {
	refs := 0
	for _, e := range p.entries {
		refs += e.refs
	}
	PoolEntries.Set(int64(len(p.entries)))
	PoolDraining.Set(int64(len(p.draining)))
	PoolRefs.Set(int64(refs))
}
