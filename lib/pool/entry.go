package pool

import "time"

// entry wraps a handle with its reference count and timestamps.
// All fields except key, handle and createdAt are guarded by Pool.mu.
type entry struct {
	key       string
	handle    Handle
	refs      int
	createdAt time.Time
	lastUsed  time.Time
	// retiredAt is set when the entry leaves the key map with refs > 0.
	retiredAt time.Time
}

func newEntry(key string, h Handle, now time.Time) *entry {
	return &entry{
		key:       key,
		handle:    h,
		refs:      1,
		createdAt: now,
		lastUsed:  now,
	}
}

func (e *entry) idleFor(now time.Time) time.Duration {
	return now.Sub(e.lastUsed)
}

func (e *entry) age(now time.Time) time.Duration {
	return now.Sub(e.createdAt)
}

// expired reports why the entry should be reclaimed, or "" if it should not.
func (e *entry) expired(now time.Time, idleTimeout, maxLifetime time.Duration) string {
	switch {
	case e.idleFor(now) > idleTimeout:
		return "idle"
	case e.age(now) > maxLifetime:
		return "lifetime"
	default:
		return ""
	}
}
