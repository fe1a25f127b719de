// Package ratelimit keeps one token bucket per key. The RPC server keys it
// by user to bound how fast memories are saved, since every save costs an
// embedding call and possibly an LLM call; the web gateway keys it by
// client IP.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanup is how long an idle bucket is kept.
const DefaultCleanup = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter allows perSecond events per key with bursts of up to burst.
// Idle buckets are forgotten in the background once they have refilled,
// so a returning key starts from a full bucket either way.
type KeyedLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewKeyed creates a limiter and starts its sweeper. A non-positive idle
// uses DefaultCleanup. Close stops the sweeper.
func NewKeyed(perSecond float64, burst int, idle time.Duration) *KeyedLimiter {
	if idle <= 0 {
		idle = DefaultCleanup
	}
	kl := &KeyedLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go kl.sweepLoop()
	return kl
}

func (kl *KeyedLimiter) get(key string, now time.Time) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(kl.limit, kl.burst)}
		kl.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Allow takes a token for key if one is available.
func (kl *KeyedLimiter) Allow(key string) bool {
	now := kl.now()
	return kl.get(key, now).AllowN(now, 1)
}

// Check is Allow that also reports how long to wait before the next token
// for key is available when it refuses.
func (kl *KeyedLimiter) Check(key string) (bool, time.Duration) {
	now := kl.now()
	lim := kl.get(key, now)
	if lim.AllowN(now, 1) {
		return true, 0
	}
	if kl.limit <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	missing := 1 - lim.TokensAt(now)
	return false, time.Duration(missing / float64(kl.limit) * float64(time.Second))
}

// Len returns the number of keys with a bucket.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

// Close stops the sweeper. It is safe to call more than once.
func (kl *KeyedLimiter) Close() {
	kl.stopOnce.Do(func() { close(kl.stop) })
}

func (kl *KeyedLimiter) sweepLoop() {
	ticker := time.NewTicker(kl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stop:
			return
		case <-ticker.C:
			kl.sweep(kl.now())
		}
	}
}

// sweep drops buckets unused for longer than idle that are full again.
func (kl *KeyedLimiter) sweep(now time.Time) int {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	dropped := 0
	for key, b := range kl.buckets {
		if now.Sub(b.lastSeen) > kl.idle && b.lim.TokensAt(now) >= float64(kl.burst) {
			delete(kl.buckets, key)
			dropped++
		}
	}
	return dropped
}
