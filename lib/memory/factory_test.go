package memory

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/pool"
	"github.com/memkeep/memkeep/lib/resilience"
)

func TestFactoryMissingStorage(t *testing.T) {
	p := pool.New(NewFactory(Config{LLMProvider: ProviderNone, EmbeddingProvider: ProviderHash}), pool.DefaultConfig())

	_, err := p.Acquire(context.Background(), "main")
	if !errors.Is(err, apperrors.ErrStorageURLRequired) {
		t.Fatalf("Expected ErrStorageURLRequired, got %v", err)
	}
	if !apperrors.IsConfiguration(err) {
		t.Error("Missing storage should be a configuration error")
	}
	if p.Len() != 0 {
		t.Errorf("Failed acquire should not leave an entry, got %d", p.Len())
	}
}

func TestFactoryThroughPool(t *testing.T) {
	p := pool.New(NewFactory(testConfig(t.TempDir())), pool.DefaultConfig())
	ctx := context.Background()

	err := p.With(ctx, "alice", func(h pool.Handle) error {
		_, err := h.(*Client).Save(ctx, "pooled memory", "alice")
		return err
	})
	if err != nil {
		t.Fatalf("With failed: %v", err)
	}

	if p.Len() != 0 {
		t.Errorf("Released handle should be removed, got %d entries", p.Len())
	}
	if errs := p.Stats().TeardownErrors; errs != 0 {
		t.Errorf("Expected clean teardown, got %d errors", errs)
	}
}

func TestFactoryReusesHandle(t *testing.T) {
	p := pool.New(NewFactory(testConfig(t.TempDir())), pool.DefaultConfig())
	defer p.EvictAll()
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h2, _ := p.Acquire(ctx, "k")
	if h1 != h2 {
		t.Error("Same key should reuse the client")
	}
	if p.Stats().Created != 1 {
		t.Errorf("Expected 1 client created, got %d", p.Stats().Created)
	}
}

func TestSessionCounterSelection(t *testing.T) {
	tests := []struct {
		url     string
		wantNil bool
		wantErr bool
	}{
		{"", true, false},
		{"sqlite://m.db", true, false},
		{"postgres://u@127.0.0.1:1/db", false, false},
		{"mysql://u@127.0.0.1:1/db", false, false},
		{"ftp://nope", true, true},
	}

	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			sc, err := NewSessionCounter(tc.url)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if (sc == nil) != tc.wantNil {
				t.Errorf("counter nil = %v, want %v", sc == nil, tc.wantNil)
			}
		})
	}
}

func TestSessionCounterFailureIsDiagnostic(t *testing.T) {
	sc, err := NewSessionCounter("postgres://u@127.0.0.1:1/db?connect_timeout=1")
	if err != nil {
		t.Fatalf("NewSessionCounter failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := sc.CountSessions(ctx); !errors.Is(err, apperrors.ErrDiagnosticQuery) {
		t.Errorf("Expected ErrDiagnosticQuery, got %v", err)
	}

	cfg := pool.DefaultConfig()
	cfg.Sessions = sc
	p := pool.New(NewFactory(testConfig(t.TempDir())), cfg)
	if n := p.ActiveConnectionCount(ctx); n != -1 {
		t.Errorf("ActiveConnectionCount() = %d, want -1", n)
	}
}

func TestSessionCounterCircuitOpens(t *testing.T) {
	calls := 0
	sc := &sessionCounter{
		breaker: newTestBreaker(),
		query: func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("connection refused")
		},
	}

	for i := 0; i < 5; i++ {
		sc.CountSessions(context.Background())
	}
	if calls != 3 {
		t.Errorf("Expected the breaker to stop calls after 3 failures, got %d", calls)
	}
}

func newTestBreaker() *resilience.Breaker {
	return resilience.NewBreaker("test-sessions", resilience.DefaultConfig())
}

func TestSetenvIfUnset(t *testing.T) {
	t.Setenv("MEMKEEP_TEST_KEY", "from-user")
	setenvIfUnset("MEMKEEP_TEST_KEY", "from-config")
	if got := os.Getenv("MEMKEEP_TEST_KEY"); got != "from-user" {
		t.Errorf("existing value overwritten: %q", got)
	}

	t.Setenv("MEMKEEP_TEST_OTHER", "")
	os.Unsetenv("MEMKEEP_TEST_OTHER")
	setenvIfUnset("MEMKEEP_TEST_OTHER", "")
	if _, ok := os.LookupEnv("MEMKEEP_TEST_OTHER"); ok {
		t.Error("empty value should not be exported")
	}
	setenvIfUnset("MEMKEEP_TEST_OTHER", "sk-test")
	if got := os.Getenv("MEMKEEP_TEST_OTHER"); got != "sk-test" {
		t.Errorf("MEMKEEP_TEST_OTHER = %q, want sk-test", got)
	}
}
