package resilience

import (
	"github.com/memkeep/memkeep/lib/metrics"
)

var (
	// BreakerState is the state of the breaker that changed last
	// (0 closed, 1 open, 2 half-open).
	BreakerState = metrics.NewGauge(
		"memkeep_probe_breaker_state",
		"State of the last database probe breaker to change (0=closed, 1=open, 2=half-open)",
	)

	Trips = metrics.NewCounter(
		"memkeep_probe_breaker_trips_total",
		"Times a database probe breaker opened",
	)

	Successes = metrics.NewCounter(
		"memkeep_probe_successes_total",
		"Database probes that succeeded",
	)

	Failures = metrics.NewCounter(
		"memkeep_probe_failures_total",
		"Database probes that failed",
	)

	// Rejections counts probes skipped because their breaker was open.
	Rejections = metrics.NewCounter(
		"memkeep_probe_rejections_total",
		"Database probes rejected by an open breaker",
	)
)
