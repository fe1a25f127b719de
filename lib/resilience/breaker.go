// Package resilience keeps diagnostic probes against the memory database
// from piling up when the database is down.
//
// A Breaker counts consecutive probe failures. Once Threshold is reached it
// opens and rejects probes with ErrCircuitOpen until Cooldown has passed,
// then lets a single trial probe through:
//
//	closed --Threshold failures--> open --Cooldown--> half-open
//	   ^                                                  |
//	   +------------ trial succeeds ----------------------+
//	                 trial fails: back to open
package resilience

import (
	"context"
	"sync"
	"time"
)

// State is the position of a Breaker.
type State int

const (
	// Closed lets every probe through.
	Closed State = iota
	// Open rejects probes until the cooldown ends.
	Open
	// HalfOpen has a single trial probe in flight.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker. Zero fields take the DefaultConfig value.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects probes.
	Cooldown time.Duration
}

// DefaultConfig suits probes that run about once per pool operation.
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Cooldown:  time.Minute,
	}
}

// Breaker guards one kind of probe. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool // a half-open trial is in flight
	trips    int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the name the breaker logs under.
func (b *Breaker) Name() string {
	return b.name
}

// State reports the current state. An open breaker whose cooldown has ended
// reports HalfOpen even before the next probe arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cooledDown() {
		return HalfOpen
	}
	return b.state
}

// Do runs probe unless the breaker is open. A probe that fails because ctx
// ended is not counted against the database.
func (b *Breaker) Do(ctx context.Context, probe func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.admit() {
		Rejections.Inc()
		return ErrCircuitOpen
	}

	err := probe(ctx)
	if err != nil && ctx.Err() != nil {
		b.abandon()
		return ctx.Err()
	}
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.cooledDown() {
			return false
		}
		b.setState(HalfOpen)
		b.trial = true
		return true
	default:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
}

// abandon frees the trial slot without judging the database.
func (b *Breaker) abandon() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	if err == nil {
		Successes.Inc()
		b.failures = 0
		if b.state != Closed {
			b.setState(Closed)
		}
		return
	}

	Failures.Inc()
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trial = false
	b.setState(Closed)
}

// Stats is a point-in-time view of a Breaker.
type Stats struct {
	Name     string
	State    State
	Failures int
	Trips    int
	OpenedAt time.Time
}

// Stats returns the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state
	if st == Open && b.cooledDown() {
		st = HalfOpen
	}
	return Stats{
		Name:     b.name,
		State:    st,
		Failures: b.failures,
		Trips:    b.trips,
		OpenedAt: b.openedAt,
	}
}

// cooledDown must be called with mu held.
func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == Open {
		b.trips++
		Trips.Inc()
	}
	BreakerState.Set(int64(to))

	log.WithField("breaker", b.name).
		WithField("from", from.String()).
		WithField("to", to.String()).
		WithField("failures", b.failures).
		Info("breaker state changed")
}
