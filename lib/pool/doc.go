// Package pool manages keyed, reference-counted client handles for the
// memory server.
//
// Each key maps to at most one live handle. Callers Acquire a key, use the
// handle, and Release the key when done. A handle whose reference count
// drops to zero is torn down immediately. A background reclaimer removes
// handles that have been idle longer than IdleTimeout or alive longer than
// MaxLifetime, even while references are still held.
//
// # Capacity
//
// MaxSize is a soft limit. When a new key arrives and the pool is full,
// handles idle for more than IdleTimeout/2 are evicted first. If the pool is
// still full the new handle is admitted anyway; Acquire never blocks waiting
// for capacity.
//
// # Draining
//
// A handle evicted while references are outstanding is removed from the key
// map at once, so the next Acquire of that key builds a fresh handle. The old
// handle is parked as draining and torn down when its last reference is
// released, or after DrainTimeout, whichever comes first. References still
// held on a handle torn down by DrainTimeout are remembered per key, and
// their late releases are dropped instead of reaching a newer handle.
//
// # Basic Usage
//
//	p := pool.New(factory, pool.DefaultConfig())
//	p.StartReclaiming(0)
//	defer p.EvictAll()
//	defer p.StopReclaiming()
//
//	err := p.With(ctx, "user-42", func(h pool.Handle) error {
//	    return h.(*memory.Client).Save(ctx, "likes tea", "user-42")
//	})
//
// # Teardown
//
// Handles are closed through an ordered list of probes grouped by category
// (vector store, database, the handle itself). Within a category the first
// probe that matches and closes cleanly wins; failures are logged as
// *TeardownError and never stop the remaining categories.
//
// # Metrics
//
// Pool metrics are registered with the metrics package:
//   - memkeep_pool_entries: live handles
//   - memkeep_pool_draining: evicted handles still referenced
//   - memkeep_pool_refs: sum of reference counts over live handles
//   - memkeep_pool_acquire_total, memkeep_pool_acquire_failed_total
//   - memkeep_pool_handles_created_total, memkeep_pool_release_total
//   - memkeep_pool_evictions_total, memkeep_pool_teardown_errors_total
//   - memkeep_pool_acquire_duration_seconds
package pool
