package pool

import "github.com/memkeep/memkeep/lib/metrics"

// Pool utilization metrics
var (
	// PoolEntries is the number of live handles.
	PoolEntries = metrics.NewGauge(
		"memkeep_pool_entries",
		"Current number of live pooled handles",
	)
	// PoolDraining is the number of evicted handles still referenced.
	PoolDraining = metrics.NewGauge(
		"memkeep_pool_draining",
		"Evicted handles waiting for their last reference",
	)
	// PoolRefs is the sum of reference counts over live handles.
	PoolRefs = metrics.NewGauge(
		"memkeep_pool_refs",
		"Sum of reference counts over live pooled handles",
	)
	// PoolAcquireTotal is the total number of acquire calls.
	PoolAcquireTotal = metrics.NewCounter(
		"memkeep_pool_acquire_total",
		"Total number of handle acquire calls",
	)
	// PoolAcquireFailedTotal is the number of acquires whose factory failed.
	PoolAcquireFailedTotal = metrics.NewCounter(
		"memkeep_pool_acquire_failed_total",
		"Total number of failed handle acquires",
	)
	// PoolHandlesCreatedTotal is the number of handles built by the factory.
	PoolHandlesCreatedTotal = metrics.NewCounter(
		"memkeep_pool_handles_created_total",
		"Total number of handles created",
	)
	// PoolReleaseTotal is the number of release calls.
	PoolReleaseTotal = metrics.NewCounter(
		"memkeep_pool_release_total",
		"Total number of handle releases",
	)
	// PoolEvictionsTotal counts handles removed by pressure or the reclaimer.
	PoolEvictionsTotal = metrics.NewCounter(
		"memkeep_pool_evictions_total",
		"Total number of handles evicted by pressure or reclamation",
	)
	// PoolTeardownErrorsTotal counts failed teardown steps.
	PoolTeardownErrorsTotal = metrics.NewCounter(
		"memkeep_pool_teardown_errors_total",
		"Total number of failed teardown steps",
	)
	// PoolAcquireLatency tracks time spent acquiring handles.
	PoolAcquireLatency = metrics.NewHistogram(
		"memkeep_pool_acquire_duration_seconds",
		"Time spent acquiring a handle from the pool",
		metrics.DefaultLatencyBuckets,
	)
)
