package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/memory"
	"github.com/memkeep/memkeep/lib/metrics"
	"github.com/memkeep/memkeep/lib/pool"
	"github.com/memkeep/memkeep/lib/ratelimit"
	"github.com/memkeep/memkeep/lib/validation"
)

// ServerProvider provides access to server state for RPC handlers.
// This interface abstracts the server implementation to avoid circular imports.
type ServerProvider interface {
	// Name returns the configured server name.
	Name() string
	// StateName returns the current server state as a string.
	StateName() string
	// StartedAt returns when the server started.
	StartedAt() time.Time
	// Version returns the software version.
	Version() string
}

// PoolProvider gives handlers scoped access to pooled memory clients.
type PoolProvider interface {
	// With acquires the client for key, runs fn and releases it.
	With(ctx context.Context, key string, fn func(pool.Handle) error) error
	// Stats returns pool statistics.
	Stats() pool.Stats
	// Keys returns the keys of live clients.
	Keys() []string
	// ActiveConnectionCount returns the database session count, or -1.
	ActiveConnectionCount(ctx context.Context) int
}

// MemoryClient is the part of a pooled handle the memory methods use.
type MemoryClient interface {
	Save(ctx context.Context, text, userID string) ([]memory.Record, error)
	List(ctx context.Context, userID string) ([]memory.Record, error)
	Search(ctx context.Context, query, userID string, limit int) ([]memory.Match, error)
}

// Handlers provides RPC handlers with access to the server and its pool.
type Handlers struct {
	server  ServerProvider
	pool    PoolProvider
	key     string
	limiter *ratelimit.KeyedLimiter
}

// HandlersConfig configures the RPC handlers.
type HandlersConfig struct {
	Server ServerProvider
	Pool   PoolProvider
	// ClientKey is the pool key memory methods use.
	ClientKey string
	// SaveLimiter limits "memory.save" per user. Nil disables limiting.
	SaveLimiter *ratelimit.KeyedLimiter
}

// NewHandlers creates RPC handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		server:  cfg.Server,
		pool:    cfg.Pool,
		key:     cfg.ClientKey,
		limiter: cfg.SaveLimiter,
	}
}

// RegisterAll registers all handlers with the server.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterHandlers(map[string]Handler{
		MethodStatus:       h.Status,
		MethodPoolStats:    h.PoolStats,
		MethodMetrics:      h.Metrics,
		MethodMemorySave:   h.MemorySave,
		MethodMemoryList:   h.MemoryList,
		MethodMemorySearch: h.MemorySearch,
	})
}

// Status returns the server status.
func (h *Handlers) Status(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.server == nil {
		return nil, ErrInternal("server not available")
	}

	result := &StatusResult{
		Name:             h.server.Name(),
		State:            h.server.StateName(),
		Version:          h.server.Version(),
		DatabaseSessions: -1,
	}
	if started := h.server.StartedAt(); !started.IsZero() {
		result.Uptime = formatDuration(time.Since(started))
	}

	if h.pool != nil {
		result.PoolEntries = h.pool.Stats().Entries
		result.DatabaseSessions = h.pool.ActiveConnectionCount(ctx)
	}

	return result, nil
}

// PoolStats returns pool statistics.
func (h *Handlers) PoolStats(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.pool == nil {
		return nil, ErrInternal("pool not available")
	}

	s := h.pool.Stats()
	return &PoolStatsResult{
		MaxSize:        s.MaxSize,
		Entries:        s.Entries,
		Draining:       s.Draining,
		Refs:           s.Refs,
		Acquires:       s.AcquireCount,
		AcquireFailed:  s.AcquireFailed,
		Created:        s.Created,
		Releases:       s.ReleaseCount,
		Evictions:      s.Evictions,
		TeardownErrors: s.TeardownErrors,
		Reclaimer:      s.Reclaimer.String(),
		Keys:           h.pool.Keys(),
	}, nil
}

// Metrics returns all metrics in Prometheus text format.
func (h *Handlers) Metrics(ctx context.Context, params json.RawMessage) (any, *Error) {
	return &MetricsResult{Text: metrics.Expose()}, nil
}

// MemorySave stores a memory. Failures are reported in the result text.
func (h *Handlers) MemorySave(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p MemorySaveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if err := validation.ValidateMemorySaveParams(p.Text, p.UserID); err != nil {
		return memoryError("saving memory", err), nil
	}

	if h.limiter != nil && !h.limiter.Allow(userKey(p.UserID)) {
		metrics.RateLimitRejections.Inc()
		return memoryError("saving memory", apperrors.ErrRateLimited), nil
	}

	err := h.withClient(ctx, func(c MemoryClient) error {
		_, err := c.Save(ctx, p.Text, p.UserID)
		return err
	})
	if err != nil {
		return memoryError("saving memory", err), nil
	}

	metrics.MemoriesSaved.Inc()
	return memory.SaveSummary(p.Text), nil
}

// MemoryList returns every memory of a user as a JSON array of texts.
func (h *Handlers) MemoryList(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p MemoryListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
	}
	if err := validation.ValidateMemoryListParams(p.UserID); err != nil {
		return memoryError("retrieving memories", err), nil
	}

	var texts []string
	err := h.withClient(ctx, func(c MemoryClient) error {
		records, err := c.List(ctx, p.UserID)
		texts = memory.Texts(records)
		return err
	})
	if err != nil {
		return memoryError("retrieving memories", err), nil
	}

	metrics.MemoryLists.Inc()
	return indentJSON(texts), nil
}

// MemorySearch returns the memories most similar to a query as a JSON array
// of texts, best match first.
func (h *Handlers) MemorySearch(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p MemorySearchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if p.Limit <= 0 {
		p.Limit = DefaultSearchLimit
	}
	if err := validation.ValidateMemorySearchParams(p.Query, p.UserID, p.Limit); err != nil {
		return memoryError("searching memories", err), nil
	}

	var texts []string
	err := h.withClient(ctx, func(c MemoryClient) error {
		matches, err := c.Search(ctx, p.Query, p.UserID, p.Limit)
		texts = memory.MatchTexts(matches)
		return err
	})
	if err != nil {
		return memoryError("searching memories", err), nil
	}

	metrics.MemorySearches.Inc()
	return indentJSON(texts), nil
}

// withClient runs fn with the pooled memory client.
func (h *Handlers) withClient(ctx context.Context, fn func(MemoryClient) error) error {
	if h.pool == nil {
		return apperrors.ErrRPCUnavailable
	}
	return h.pool.With(ctx, h.key, func(handle pool.Handle) error {
		c, ok := handle.(MemoryClient)
		if !ok {
			return fmt.Errorf("pooled handle %T is not a memory client", handle)
		}
		return fn(c)
	})
}

// memoryError formats a failed memory operation as result text.
func memoryError(action string, err error) string {
	metrics.MemoryErrors.Inc()
	log.WithField("action", action).WithError(err).Warn("memory operation failed")
	return "Error " + action + ": " + err.Error()
}

func userKey(userID string) string {
	if userID == "" {
		return memory.DefaultUserID
	}
	return userID
}

// indentJSON renders texts as a JSON array indented by two spaces.
func indentJSON(texts []string) string {
	if texts == nil {
		texts = []string{}
	}
	data, err := json.MarshalIndent(texts, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Helper functions

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	hours := int(d.Hours())
	if hours < 24 {
		return d.Round(time.Minute).String()
	}
	days := hours / 24
	hours = hours % 24
	return formatDays(days, hours)
}

// formatDays formats days and hours for display.
func formatDays(days, hours int) string {
	if hours == 0 {
		return formatPlural(days, "day", "days")
	}
	return formatPlural(days, "day", "days") + " " + formatPlural(hours, "hour", "hours")
}

// formatPlural formats a number with singular/plural form.
func formatPlural(n int, singular, plural string) string {
	if n == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(n) + " " + plural
}
