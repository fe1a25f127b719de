package rpc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/memkeep/memkeep/lib/memory"
	"github.com/memkeep/memkeep/lib/pool"
	"github.com/memkeep/memkeep/lib/ratelimit"
)

// Mock implementations for testing

type mockServerProvider struct {
	name      string
	state     string
	startedAt time.Time
	version   string
}

func (m *mockServerProvider) Name() string         { return m.name }
func (m *mockServerProvider) StateName() string    { return m.state }
func (m *mockServerProvider) StartedAt() time.Time { return m.startedAt }
func (m *mockServerProvider) Version() string      { return m.version }

// fakeMemory is an in-memory MemoryClient shared by every handle the test
// factory returns, so saved memories survive handle teardown.
type fakeMemory struct {
	mu        sync.Mutex
	records   []memory.Record
	lastLimit int
	err       error
}

func (f *fakeMemory) Save(ctx context.Context, text, userID string) ([]memory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := memory.Record{UserID: userID, Text: text}
	f.records = append(f.records, r)
	return []memory.Record{r}, nil
}

func (f *fakeMemory) List(ctx context.Context, userID string) ([]memory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []memory.Record
	for _, r := range f.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeMemory) Search(ctx context.Context, query, userID string, limit int) ([]memory.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []memory.Match
	for _, r := range f.records {
		if r.UserID == userID && strings.Contains(r.Text, query) && len(out) < limit {
			out = append(out, memory.Match{Record: r, Score: 1})
		}
	}
	return out, nil
}

func newTestHandlers(t *testing.T, mem *fakeMemory) (*Handlers, *pool.Pool) {
	t.Helper()
	p := pool.New(func(ctx context.Context) (pool.Handle, error) {
		return mem, nil
	}, pool.DefaultConfig())
	t.Cleanup(p.EvictAll)

	h := NewHandlers(HandlersConfig{
		Server:    &mockServerProvider{name: "test", state: "running", startedAt: time.Now(), version: "1.0.0"},
		Pool:      p,
		ClientKey: "main_server",
	})
	return h, p
}

func TestNewHandlers(t *testing.T) {
	h := NewHandlers(HandlersConfig{
		Server:    &mockServerProvider{},
		ClientKey: "main_server",
	})

	if h == nil {
		t.Fatal("handlers is nil")
	}
	if h.key != "main_server" {
		t.Errorf("key = %q, want main_server", h.key)
	}
}

func TestHandlersRegisterAll(t *testing.T) {
	s, _ := NewServer(ServerConfig{})
	h := NewHandlers(HandlersConfig{})

	h.RegisterAll(s)

	expectedMethods := []string{
		"status",
		"pool.stats",
		"metrics",
		"memory.save",
		"memory.list",
		"memory.search",
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, method := range expectedMethods {
		if _, ok := s.handlers[method]; !ok {
			t.Errorf("handler %s not registered", method)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	h, p := newTestHandlers(t, &fakeMemory{})
	if _, err := p.Acquire(context.Background(), "main_server"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	result, err := h.Status(context.Background(), nil)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	status, ok := result.(*StatusResult)
	if !ok {
		t.Fatalf("expected *StatusResult, got %T", result)
	}

	if status.Name != "test" {
		t.Errorf("Name: %s != test", status.Name)
	}
	if status.State != "running" {
		t.Errorf("State: %s != running", status.State)
	}
	if status.PoolEntries != 1 {
		t.Errorf("PoolEntries: %d != 1", status.PoolEntries)
	}
	// No session counter is configured.
	if status.DatabaseSessions != 0 {
		t.Errorf("DatabaseSessions: %d != 0", status.DatabaseSessions)
	}
	if status.Uptime == "" {
		t.Error("Uptime should be set for a started server")
	}
}

func TestStatusHandlerNoServer(t *testing.T) {
	h := NewHandlers(HandlersConfig{})

	_, err := h.Status(context.Background(), nil)
	if err == nil {
		t.Error("expected error when server not available")
	}
}

func TestMemorySaveHandler(t *testing.T) {
	long := strings.Repeat("x", 120)

	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"short text", `{"text":"likes tea"}`, "Successfully saved memory: likes tea"},
		{"long text", `{"text":"` + long + `"}`, "Successfully saved memory: " + long[:100] + "..."},
		{"with user", `{"text":"owns a cat","user_id":"bob"}`, "Successfully saved memory: owns a cat"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestHandlers(t, &fakeMemory{})

			result, err := h.MemorySave(context.Background(), []byte(tc.params))
			if err != nil {
				t.Fatalf("MemorySave: %v", err)
			}
			if result != tc.want {
				t.Errorf("result = %q, want %q", result, tc.want)
			}
		})
	}
}

func TestMemorySaveHandlerErrors(t *testing.T) {
	t.Run("invalid params", func(t *testing.T) {
		h, _ := newTestHandlers(t, &fakeMemory{})

		_, err := h.MemorySave(context.Background(), []byte(`{"text":`))
		if err == nil || err.Code != ErrCodeInvalidParams {
			t.Errorf("expected invalid params, got %v", err)
		}
	})

	t.Run("client failure is text", func(t *testing.T) {
		h, _ := newTestHandlers(t, &fakeMemory{err: errors.New("disk full")})

		result, err := h.MemorySave(context.Background(), []byte(`{"text":"x"}`))
		if err != nil {
			t.Fatalf("expected text result, got rpc error %v", err)
		}
		if result != "Error saving memory: disk full" {
			t.Errorf("result = %q", result)
		}
	})

	t.Run("factory failure is text", func(t *testing.T) {
		p := pool.New(func(ctx context.Context) (pool.Handle, error) {
			return nil, errors.New("no database")
		}, pool.DefaultConfig())
		h := NewHandlers(HandlersConfig{Pool: p, ClientKey: "main_server"})

		result, err := h.MemorySave(context.Background(), []byte(`{"text":"x"}`))
		if err != nil {
			t.Fatalf("expected text result, got rpc error %v", err)
		}
		if s, _ := result.(string); !strings.HasPrefix(s, "Error saving memory: ") || !strings.Contains(s, "no database") {
			t.Errorf("result = %q", result)
		}
	})

	t.Run("handle of wrong type", func(t *testing.T) {
		p := pool.New(func(ctx context.Context) (pool.Handle, error) {
			return "not a client", nil
		}, pool.DefaultConfig())
		h := NewHandlers(HandlersConfig{Pool: p, ClientKey: "main_server"})

		result, _ := h.MemorySave(context.Background(), []byte(`{"text":"x"}`))
		if s, _ := result.(string); !strings.HasPrefix(s, "Error saving memory: ") {
			t.Errorf("result = %q", result)
		}
	})

	t.Run("no pool", func(t *testing.T) {
		h := NewHandlers(HandlersConfig{})

		result, _ := h.MemorySave(context.Background(), []byte(`{"text":"x"}`))
		if s, _ := result.(string); !strings.HasPrefix(s, "Error saving memory: ") {
			t.Errorf("result = %q", result)
		}
	})
}

func TestMemorySaveRateLimit(t *testing.T) {
	limiter := ratelimit.NewKeyed(0, 1, time.Minute)
	defer limiter.Close()

	h, _ := newTestHandlers(t, &fakeMemory{})
	h.limiter = limiter

	first, _ := h.MemorySave(context.Background(), []byte(`{"text":"a","user_id":"alice"}`))
	if s, _ := first.(string); !strings.HasPrefix(s, "Successfully") {
		t.Fatalf("first save = %q", first)
	}

	second, _ := h.MemorySave(context.Background(), []byte(`{"text":"b","user_id":"alice"}`))
	if second != "Error saving memory: rate limit exceeded" {
		t.Errorf("second save = %q", second)
	}

	other, _ := h.MemorySave(context.Background(), []byte(`{"text":"c","user_id":"bob"}`))
	if s, _ := other.(string); !strings.HasPrefix(s, "Successfully") {
		t.Errorf("other user's save = %q", other)
	}
}

func TestMemoryListHandler(t *testing.T) {
	mem := &fakeMemory{}
	h, _ := newTestHandlers(t, mem)
	ctx := context.Background()

	result, err := h.MemoryList(ctx, nil)
	if err != nil {
		t.Fatalf("MemoryList: %v", err)
	}
	if result != "[]" {
		t.Errorf("empty list = %q, want []", result)
	}

	h.MemorySave(ctx, []byte(`{"text":"likes tea","user_id":"u"}`))
	h.MemorySave(ctx, []byte(`{"text":"owns a cat","user_id":"u"}`))

	result, err = h.MemoryList(ctx, []byte(`{"user_id":"u"}`))
	if err != nil {
		t.Fatalf("MemoryList: %v", err)
	}
	want := "[\n  \"likes tea\",\n  \"owns a cat\"\n]"
	if result != want {
		t.Errorf("list = %q, want %q", result, want)
	}

	mem.err = errors.New("connection reset")
	result, _ = h.MemoryList(ctx, nil)
	if result != "Error retrieving memories: connection reset" {
		t.Errorf("failed list = %q", result)
	}
}

func TestMemorySearchHandler(t *testing.T) {
	mem := &fakeMemory{}
	h, _ := newTestHandlers(t, mem)
	ctx := context.Background()

	for _, text := range []string{"tea 1", "tea 2", "tea 3", "tea 4", "coffee"} {
		h.MemorySave(ctx, []byte(`{"text":"`+text+`"}`))
	}

	result, err := h.MemorySearch(ctx, []byte(`{"query":"tea"}`))
	if err != nil {
		t.Fatalf("MemorySearch: %v", err)
	}
	if mem.lastLimit != DefaultSearchLimit {
		t.Errorf("limit = %d, want default %d", mem.lastLimit, DefaultSearchLimit)
	}
	want := "[\n  \"tea 1\",\n  \"tea 2\",\n  \"tea 3\"\n]"
	if result != want {
		t.Errorf("search = %q, want %q", result, want)
	}

	h.MemorySearch(ctx, []byte(`{"query":"tea","limit":10}`))
	if mem.lastLimit != 10 {
		t.Errorf("limit = %d, want 10", mem.lastLimit)
	}

	if _, rpcErr := h.MemorySearch(ctx, nil); rpcErr == nil {
		t.Error("expected invalid params without a query object")
	}

	mem.err = errors.New("index closed")
	result, _ = h.MemorySearch(ctx, []byte(`{"query":"tea"}`))
	if result != "Error searching memories: index closed" {
		t.Errorf("failed search = %q", result)
	}
}

func TestPoolStatsHandler(t *testing.T) {
	h, p := newTestHandlers(t, &fakeMemory{})
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "main_server"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.MemorySave(ctx, []byte(`{"text":"x"}`))

	result, err := h.PoolStats(ctx, nil)
	if err != nil {
		t.Fatalf("PoolStats: %v", err)
	}
	stats := result.(*PoolStatsResult)

	if stats.Entries != 1 || stats.Refs != 1 {
		t.Errorf("entries=%d refs=%d, want 1 and 1", stats.Entries, stats.Refs)
	}
	if stats.Created != 1 {
		t.Errorf("created = %d, want 1 (the save reuses the held client)", stats.Created)
	}
	if stats.Reclaimer != "idle" {
		t.Errorf("reclaimer = %q, want idle", stats.Reclaimer)
	}
	if len(stats.Keys) != 1 || stats.Keys[0] != "main_server" {
		t.Errorf("keys = %v", stats.Keys)
	}
}

func TestMetricsHandler(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeMemory{})
	h.MemorySave(context.Background(), []byte(`{"text":"x"}`))

	result, err := h.Metrics(context.Background(), nil)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	text := result.(*MetricsResult).Text
	for _, name := range []string{"memkeep_memories_saved_total", "memkeep_database_sessions"} {
		if !strings.Contains(text, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "2m0s"},
		{65 * time.Minute, "1h5m0s"},
		{24 * time.Hour, "1 day"},
		{50 * time.Hour, "2 days 2 hours"},
		{25 * time.Hour, "1 day 1 hour"},
		{240 * time.Hour, "10 days"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatDuration(tt.duration); got != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, got, tt.expected)
			}
		})
	}
}

func TestMemoryHandlersRejectInvalidInput(t *testing.T) {
	mem := &fakeMemory{}
	h, p := newTestHandlers(t, mem)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (any, *Error)
		want string
	}{
		{
			"empty text",
			func() (any, *Error) { return h.MemorySave(ctx, []byte(`{"text":"  "}`)) },
			"Error saving memory: text: is required",
		},
		{
			"bad user on list",
			func() (any, *Error) { return h.MemoryList(ctx, []byte(`{"user_id":"a b"}`)) },
			"Error retrieving memories: user_id: ",
		},
		{
			"limit too high",
			func() (any, *Error) { return h.MemorySearch(ctx, []byte(`{"query":"tea","limit":1000}`)) },
			"Error searching memories: limit: must be between 1 and 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.call()
			if err != nil {
				t.Fatalf("expected text result, got rpc error %v", err)
			}
			if s, _ := result.(string); !strings.HasPrefix(s, tt.want) {
				t.Errorf("result = %q, want prefix %q", result, tt.want)
			}
		})
	}

	// Rejected input never reaches the pool.
	if n := p.Stats().AcquireCount; n != 0 {
		t.Errorf("AcquireCount = %d, want 0", n)
	}
}
