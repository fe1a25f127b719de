package pool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ReclaimerState is the lifecycle state of the background reclaimer.
type ReclaimerState int

const (
	// ReclaimerIdle means the reclaimer has never been started.
	ReclaimerIdle ReclaimerState = iota
	// ReclaimerRunning means the loop is scanning on its interval.
	ReclaimerRunning
	// ReclaimerStopRequested means a stop was signalled and the loop has not exited yet.
	ReclaimerStopRequested
	// ReclaimerStopped means the loop has exited. It may be started again.
	ReclaimerStopped
)

func (s ReclaimerState) String() string {
	switch s {
	case ReclaimerIdle:
		return "idle"
	case ReclaimerRunning:
		return "running"
	case ReclaimerStopRequested:
		return "stop-requested"
	case ReclaimerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// snapshotThreshold is the smallest interval at which every scan logs a
// pool snapshot.
const snapshotThreshold = time.Minute

type reclaimer struct {
	mu    sync.Mutex
	state ReclaimerState
	stop  chan struct{}
	done  chan struct{}
}

// StartReclaiming starts the background reclaimer. A non-positive interval
// uses Config.ReclaimInterval. Calling it while the reclaimer is running is
// a no-op.
func (p *Pool) StartReclaiming(interval time.Duration) {
	if interval <= 0 {
		interval = p.config.ReclaimInterval
	}

	r := &p.reclaimer
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == ReclaimerRunning || r.state == ReclaimerStopRequested {
		log.Debug("reclaimer already running")
		return
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.state = ReclaimerRunning
	go p.reclaimLoop(interval, r.stop, r.done)

	log.WithField("interval", interval).Info("reclaimer started")
}

// StopReclaiming signals the reclaimer to exit and waits up to
// Config.StopTimeout for it. It is safe to call when the reclaimer was never
// started and safe to call more than once.
func (p *Pool) StopReclaiming() {
	r := &p.reclaimer
	r.mu.Lock()
	if r.state != ReclaimerRunning {
		r.mu.Unlock()
		return
	}
	r.state = ReclaimerStopRequested
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	timer := time.NewTimer(p.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("reclaimer stopped")
	case <-timer.C:
		log.WithField("timeout", p.config.StopTimeout).Warn("reclaimer did not stop in time")
	}
}

// ReclaimerState returns the current reclaimer state.
func (p *Pool) ReclaimerState() ReclaimerState {
	r := &p.reclaimer
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (p *Pool) reclaimLoop(interval time.Duration, stop, done chan struct{}) {
	defer func() {
		r := &p.reclaimer
		r.mu.Lock()
		if r.done == done {
			r.state = ReclaimerStopped
		}
		r.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.safeReclaim()
			if interval >= snapshotThreshold {
				p.logSnapshot()
			}
		}
	}
}

// safeReclaim runs one scan and keeps the loop alive if it panics.
func (p *Pool) safeReclaim() {
	defer func() {
		if r := recover(); r != nil {
			log.WithError(fmt.Errorf("panic: %v", r)).Error("reclaimer scan failed")
		}
	}()
	p.Reclaim()
}

// Reclaim runs a single reclaimer scan and returns how many handles were
// removed from the key map. Live handles idle longer than IdleTimeout or
// older than MaxLifetime are removed regardless of their reference count.
// Draining handles older than DrainTimeout are torn down.
func (p *Pool) Reclaim() int {
	p.mu.Lock()
	now := p.now()

	var doomed []*entry
	removed := 0
	for _, e := range p.entries {
		reason := e.expired(now, p.config.IdleTimeout, p.config.MaxLifetime)
		if reason == "" {
			continue
		}
		removed++
		log.WithField("key", e.key).
			WithField("reason", reason).
			WithField("refs", e.refs).
			Debug("reclaiming handle")
		if p.retireLocked(e, now) {
			doomed = append(doomed, e)
		}
	}

	kept := p.draining[:0]
	for _, d := range p.draining {
		if now.Sub(d.retiredAt) > p.config.DrainTimeout {
			log.WithField("key", d.key).WithField("refs", d.refs).Warn("draining handle still referenced, tearing down")
			p.orphans[d.key] += d.refs
			doomed = append(doomed, d)
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(p.draining); i++ {
		p.draining[i] = nil
	}
	p.draining = kept
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.teardownEntries(doomed, "reclaimed")
	if removed > 0 {
		log.WithField("removed", removed).Debug("reclaimer scan complete")
	}
	return removed
}

func (p *Pool) logSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := p.Stats()
	log.WithField("entries", s.Entries).
		WithField("refs", s.Refs).
		WithField("draining", s.Draining).
		WithField("sessions", p.ActiveConnectionCount(ctx)).
		Info("pool snapshot")
}
