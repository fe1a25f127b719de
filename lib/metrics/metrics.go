// Package metrics keeps process-wide counters, gauges and histograms and
// renders them in the Prometheus text format. Metrics register themselves
// with the default registry when created, so they are usually declared as
// package-level variables.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// desc names a metric and describes it for the HELP line.
type desc struct {
	name string
	help string
	kind string
}

func (d desc) header(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
}

// Counter only goes up.
type Counter struct {
	desc
	v atomic.Uint64
}

// NewCounter creates and registers a counter.
func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name, help, "counter"}}
	defaultRegistry.add(c)
	return c
}

func (c *Counter) Inc()          { c.v.Add(1) }
func (c *Counter) Add(n uint64)  { c.v.Add(n) }
func (c *Counter) Value() uint64 { return c.v.Load() }

func (c *Counter) writeTo(w io.Writer) {
	c.header(w)
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge holds a value that may go up or down.
type Gauge struct {
	desc
	v atomic.Int64
}

// NewGauge creates and registers a gauge.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name, help, "gauge"}}
	defaultRegistry.add(g)
	return g
}

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Add(n int64)  { g.v.Add(n) }
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) writeTo(w io.Writer) {
	g.header(w)
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// DefaultLatencyBuckets are upper bounds in seconds for request and backend
// call latencies.
var DefaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Histogram counts observations into fixed buckets. Buckets are stored
// per-interval and made cumulative when rendered.
type Histogram struct {
	desc
	bounds []float64

	mu    sync.Mutex
	hits  []uint64 // hits[i] counts values in (bounds[i-1], bounds[i]]; the last slot is +Inf
	sum   float64
	count uint64
}

// NewHistogram creates and registers a histogram. bounds must be sorted.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	h := &Histogram{
		desc:   desc{name, help, "histogram"},
		bounds: bounds,
		hits:   make([]uint64, len(bounds)+1),
	}
	defaultRegistry.add(h)
	return h
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	i, _ := slices.BinarySearch(h.bounds, v)

	h.mu.Lock()
	h.hits[i]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) writeTo(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.header(w)
	var cum uint64
	for i, b := range h.bounds {
		cum += h.hits[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cum)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %s\n", h.name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Sprint(f)
	}
	return fmt.Sprintf("%g", f)
}

type metric interface {
	writeTo(w io.Writer)
}

// Registry is a named set of metrics. Registering a second metric under a
// name replaces the first.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]metric)}
}

var defaultRegistry = NewRegistry()

func (r *Registry) add(m metric) {
	var name string
	switch v := m.(type) {
	case *Counter:
		name = v.name
	case *Gauge:
		name = v.name
	case *Histogram:
		name = v.name
	}

	r.mu.Lock()
	r.byName[name] = m
	r.mu.Unlock()
}

// WriteTo renders every metric sorted by name.
func (r *Registry) WriteTo(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)

	bw := bufio.NewWriter(w)
	for _, name := range names {
		r.byName[name].writeTo(bw)
		bw.WriteByte('\n')
	}
	bw.Flush()
}

// Expose renders the registry to a string.
func (r *Registry) Expose() string {
	var sb strings.Builder
	r.WriteTo(&sb)
	return sb.String()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		defaultRegistry.WriteTo(w)
	})
}

// Expose renders the default registry.
func Expose() string {
	return defaultRegistry.Expose()
}

var (
	MemoriesSaved    = NewCounter("memkeep_memories_saved_total", "Memories saved")
	MemoryLists      = NewCounter("memkeep_memory_lists_total", "Memory list requests")
	MemorySearches   = NewCounter("memkeep_memory_searches_total", "Memory search requests")
	MemoryErrors     = NewCounter("memkeep_memory_errors_total", "Memory operations answered with an error message")
	EmbeddingLatency = NewHistogram("memkeep_embedding_duration_seconds", "Time spent computing embeddings", DefaultLatencyBuckets)

	EmbeddingCacheHits   = NewCounter("memkeep_embedding_cache_hits_total", "Embeddings served from cache")
	EmbeddingCacheMisses = NewCounter("memkeep_embedding_cache_misses_total", "Embeddings computed by the provider")

	RPCRequests    = NewCounter("memkeep_rpc_requests_total", "RPC requests dispatched to a handler")
	RPCConnections = NewGauge("memkeep_rpc_connections", "Open RPC connections")
	RPCRejected    = NewCounter("memkeep_rpc_rejected_connections_total", "RPC connections closed at the connection limit")

	// DatabaseSessions is -1 when the backend could not be asked.
	DatabaseSessions = NewGauge("memkeep_database_sessions", "Database sessions reported by the backend (-1 when unknown)")

	StartTime = NewGauge("memkeep_start_time_seconds", "Unix time the server started")

	RateLimitRejections = NewCounter("memkeep_ratelimit_rejections_total", "Requests rejected by rate limiting")
)

// RecordStartTime stamps StartTime with the current time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
