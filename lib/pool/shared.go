package pool

import "sync"

var (
	sharedOnce sync.Once
	shared     *Pool
)

// Shared returns the process-wide pool, creating it with DefaultConfig and
// factory on first use. Later calls ignore factory and return the same pool.
// It is meant for embedders that want one pool per process without wiring
// one through. core.Server does not use it: each server builds its own pool
// with New so that it can stop the reclaimer and evict on shutdown.
func Shared(factory Factory) *Pool {
	sharedOnce.Do(func() {
		shared = New(factory, DefaultConfig())
	})
	return shared
}
