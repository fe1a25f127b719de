package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/pool"
)

// testConfig returns an offline configuration backed by SQLite in dir.
func testConfig(dir string) Config {
	return Config{
		LLMProvider:       ProviderNone,
		EmbeddingProvider: ProviderHash,
		EmbeddingDims:     64,
		StorageURL:        "sqlite://" + filepath.Join(dir, "memories.db"),
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(context.Background(), testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		pool.Teardown("test", c, pool.DefaultProbes())
	})
	return c
}

func TestClientSaveAndList(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	saved, err := c.Save(ctx, "I prefer green tea", "alice")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(saved) != 1 || saved[0].Text != "I prefer green tea" {
		t.Fatalf("Unexpected saved records: %+v", saved)
	}
	if saved[0].ID == "" {
		t.Error("Saved record should have an id")
	}

	if _, err := c.Save(ctx, "Works at the observatory", "alice"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := c.Save(ctx, "Owns a cat", "bob"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	list, err := c.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := Texts(list)
	if len(got) != 2 || got[0] != "I prefer green tea" || got[1] != "Works at the observatory" {
		t.Errorf("List(alice) = %v", got)
	}
}

func TestClientDefaultUser(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Save(ctx, "anonymous note", ""); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	list, err := c.List(ctx, DefaultUserID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].UserID != DefaultUserID {
		t.Errorf("Expected note under default user, got %+v", list)
	}
}

func TestClientSearch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	texts := []string{"likes hiking", "allergic to peanuts", "speaks French", "plays chess", "drives a bike"}
	for _, text := range texts {
		if _, err := c.Save(ctx, text, "carol"); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	c.Save(ctx, "someone else's memory", "dave")

	matches, err := c.Search(ctx, "allergic to peanuts", "carol", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != DefaultSearchLimit {
		t.Fatalf("Expected %d matches, got %d", DefaultSearchLimit, len(matches))
	}
	// The hash embedder maps identical text to the identical vector.
	if matches[0].Text != "allergic to peanuts" {
		t.Errorf("Expected exact match first, got %q", matches[0].Text)
	}
	for _, m := range matches {
		if m.UserID != "carol" {
			t.Errorf("Search leaked memory of %q", m.UserID)
		}
	}

	// Limits larger than the collection are clamped.
	matches, err = c.Search(ctx, "chess", "carol", 50)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != len(texts) {
		t.Errorf("Expected %d matches, got %d", len(texts), len(matches))
	}
}

func TestClientValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Save(ctx, "   ", "u"); !errors.Is(err, apperrors.ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
	if _, err := c.Search(ctx, "", "u", 3); !errors.Is(err, apperrors.ErrEmptyQuery) {
		t.Errorf("Expected ErrEmptyQuery, got %v", err)
	}
}

func TestClientSearchEmpty(t *testing.T) {
	c := newTestClient(t)

	matches, err := c.Search(context.Background(), "anything", "nobody", 3)
	if err != nil {
		t.Fatalf("Search on empty store failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no matches, got %d", len(matches))
	}
}

func TestClientTeardownShapes(t *testing.T) {
	tests := []struct {
		name       string
		instrument bool
	}{
		{"raw vector store", false},
		{"instrumented vector store", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			cfg.VectorInstrument = tc.instrument
			cfg.EmbeddingCacheSize = 16
			c, err := New(context.Background(), cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			if c.DBConnection() == nil {
				t.Fatal("SQLite client should expose a database connection")
			}
			if c.DBEngine() != nil {
				t.Error("SQLite client should not expose an engine")
			}

			if errs := pool.Teardown("k", c, pool.DefaultProbes()); len(errs) != 0 {
				t.Fatalf("Teardown errors: %v", errs)
			}

			if _, err := c.Search(context.Background(), "x", "u", 1); !errors.Is(err, ErrVectorStoreClosed) {
				t.Errorf("Expected closed vector store, got %v", err)
			}
			if _, err := c.List(context.Background(), "u"); err == nil {
				t.Error("Expected error listing from closed database")
			}

			// A second teardown reports the already closed vector store.
			if errs := pool.Teardown("k", c, pool.DefaultProbes()); len(errs) == 0 {
				t.Error("Expected errors tearing down twice")
			}
		})
	}
}

func TestClientPersistentVectorStore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.VectorPath = filepath.Join(dir, "vectors")
	ctx := context.Background()

	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := c.Save(ctx, "remember the milk", "erin"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	pool.Teardown("k", c, pool.DefaultProbes())

	reopened, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer pool.Teardown("k", reopened, pool.DefaultProbes())

	matches, err := reopened.Search(ctx, "remember the milk", "erin", 1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Text != "remember the milk" {
		t.Errorf("Expected persisted memory, got %+v", matches)
	}
}

func TestClientRebuildsInMemoryIndex(t *testing.T) {
	cfg := testConfig(t.TempDir())
	ctx := context.Background()

	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, text := range []string{"I prefer green tea", "Works at the observatory"} {
		if _, err := c.Save(ctx, text, "alice"); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if _, err := c.Save(ctx, "Owns a cat", "bob"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	pool.Teardown("main_server", c, pool.DefaultProbes())

	// The replacement handle starts with an empty in-memory index.
	recycled, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New after teardown failed: %v", err)
	}
	defer pool.Teardown("main_server", recycled, pool.DefaultProbes())

	if n := recycled.vectors.(*VectorStore).Count(); n != 3 {
		t.Errorf("Rebuilt index holds %d vectors, want 3", n)
	}
	matches, err := recycled.Search(ctx, "I prefer green tea", "alice", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 2 || matches[0].Text != "I prefer green tea" {
		t.Errorf("Search after recycle = %+v", matches)
	}
	list, err := recycled.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != len(matches) {
		t.Errorf("List returned %d memories, Search %d", len(list), len(matches))
	}
}

type failingIndex struct {
	vectorIndex
}

func (failingIndex) Add(context.Context, Record) error {
	return errors.New("embedding provider unavailable")
}

type failingRecords struct {
	recordStore
}

func (failingRecords) Insert(context.Context, Record) error {
	return errors.New("database is locked")
}

func TestClientSaveIndexFailureStoresNothing(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	orig := c.vectors
	c.vectors = failingIndex{orig}
	t.Cleanup(func() { c.vectors = orig })

	if _, err := c.Save(ctx, "I prefer green tea", "alice"); err == nil {
		t.Fatal("Expected Save to fail when indexing fails")
	}
	list, err := c.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Unsearchable memory was listed: %+v", list)
	}
}

func TestClientSaveInsertFailureUnindexes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	orig := c.records
	c.records = failingRecords{orig}
	t.Cleanup(func() { c.records = orig })

	if _, err := c.Save(ctx, "I prefer green tea", "alice"); err == nil {
		t.Fatal("Expected Save to fail when the insert fails")
	}
	if n := c.vectors.(*VectorStore).Count(); n != 0 {
		t.Errorf("Index kept %d vectors for an unsaved memory", n)
	}
}

func TestSaveSummary(t *testing.T) {
	short := "short note"
	if got := SaveSummary(short); got != "Successfully saved memory: short note" {
		t.Errorf("SaveSummary(short) = %q", got)
	}

	long := strings.Repeat("a", 150)
	got := SaveSummary(long)
	want := "Successfully saved memory: " + strings.Repeat("a", 100) + "..."
	if got != want {
		t.Errorf("SaveSummary(long) = %q, want %q", got, want)
	}
}

func TestClientTimestampsOrdered(t *testing.T) {
	c := newTestClient(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(-tick) * time.Minute)
	}
	ctx := context.Background()

	c.Save(ctx, "first saved", "u")
	c.Save(ctx, "second saved", "u")

	list, err := c.List(ctx, "u")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	// The clock runs backwards, so the second save is the oldest.
	if got := Texts(list); len(got) != 2 || got[0] != "second saved" {
		t.Errorf("Expected oldest first, got %v", got)
	}
}
