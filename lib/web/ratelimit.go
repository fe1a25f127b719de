package web

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/memkeep/memkeep/lib/ratelimit"
)

// RateLimitConfig bounds how fast one client IP may call the gateway.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTimeout is how long a quiet client's bucket is remembered.
	IdleTimeout time.Duration
}

// DefaultRateLimitConfig allows 10 requests per second with bursts of 30.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         30,
		IdleTimeout:       5 * time.Minute,
	}
}

// withDefaults fills unset fields from DefaultRateLimitConfig.
func (c RateLimitConfig) withDefaults() RateLimitConfig {
	def := DefaultRateLimitConfig()
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = def.RequestsPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = def.BurstSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	return c
}

// RateLimiter is per-IP HTTP middleware over a keyed token bucket.
type RateLimiter struct {
	buckets  *ratelimit.KeyedLimiter
	onReject func(ip, path string)
}

// NewRateLimiter builds the middleware. onReject, if non-nil, is called for
// every refused request.
func NewRateLimiter(cfg RateLimitConfig, onReject func(ip, path string)) *RateLimiter {
	cfg = cfg.withDefaults()
	return &RateLimiter{
		buckets:  ratelimit.NewKeyed(cfg.RequestsPerSecond, cfg.BurstSize, cfg.IdleTimeout),
		onReject: onReject,
	}
}

// Close stops the idle-bucket sweeper.
func (rl *RateLimiter) Close() {
	rl.buckets.Close()
}

// Middleware answers 429 with a Retry-After header once a client has used
// up its burst.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, wait := rl.buckets.Check(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		if rl.onReject != nil {
			rl.onReject(ip, r.URL.Path)
		}
		w.Header().Set("Retry-After", retryAfter(wait))
		writeError(w, http.StatusTooManyRequests, "too many requests")
	})
}

// retryAfter renders wait as whole seconds, rounded up, at least 1.
func retryAfter(wait time.Duration) string {
	secs := math.Ceil(wait.Seconds())
	if secs < 1 || math.IsInf(secs, 0) {
		secs = 1
	}
	if secs > 3600 {
		secs = 3600
	}
	return strconv.Itoa(int(secs))
}

// clientIP prefers the proxy headers, first X-Forwarded-For and then
// X-Real-IP, over the connection's remote address.
func clientIP(r *http.Request) string {
	if ip := parseFirstIP(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseFirstIP returns the first address of a comma-separated list, or ""
// if it does not parse.
func parseFirstIP(list string) string {
	first, _, _ := strings.Cut(list, ",")
	if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
		return ip.String()
	}
	return ""
}
