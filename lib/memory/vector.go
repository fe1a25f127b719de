package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/memkeep/memkeep/lib/metrics"
)

// ErrVectorStoreClosed is returned by a closed vector store.
var ErrVectorStoreClosed = errors.New("memory: vector store closed")

// VectorQueryLatency tracks similarity search latency when instrumented.
var VectorQueryLatency = metrics.NewHistogram(
	"memkeep_vector_query_duration_seconds",
	"Time spent in vector similarity search",
	metrics.DefaultLatencyBuckets,
)

// vectorIndex is what the client needs from a vector store.
type vectorIndex interface {
	Add(ctx context.Context, r Record) error
	Remove(ctx context.Context, id string) error
	Query(ctx context.Context, userID, text string, limit int) ([]Match, error)
}

// VectorStore indexes memory texts in a chromem collection.
type VectorStore struct {
	mu     sync.RWMutex
	db     *chromem.DB
	col    *chromem.Collection
	closed bool
}

// OpenVectorStore opens an in-memory store, or a persistent one under
// cfg.VectorPath.
func OpenVectorStore(cfg Config, embed chromem.EmbeddingFunc) (*VectorStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.VectorPath != "" {
		db, err = chromem.NewPersistentDB(cfg.VectorPath, cfg.VectorCompress)
		if err != nil {
			return nil, fmt.Errorf("open vector store at %s: %w", cfg.VectorPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, map[string]string{
		"embedder": cfg.EmbeddingProvider,
		"model":    cfg.EmbeddingModel,
	}, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", cfg.Collection, err)
	}
	return &VectorStore{db: db, col: col}, nil
}

// Add indexes r. The embedding is computed by the collection's embedder.
func (v *VectorStore) Add(ctx context.Context, r Record) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrVectorStoreClosed
	}

	if err := v.col.AddDocument(ctx, toDocument(r)); err != nil {
		return fmt.Errorf("index memory: %w", err)
	}
	return nil
}

// Remove drops the memory with the given id from the index.
func (v *VectorStore) Remove(ctx context.Context, id string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrVectorStoreClosed
	}

	if err := v.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("unindex memory %s: %w", id, err)
	}
	return nil
}

// Reindex embeds and indexes records in bulk. Records already present are
// overwritten.
func (v *VectorStore) Reindex(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return ErrVectorStoreClosed
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		docs = append(docs, toDocument(r))
	}
	if err := v.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("reindex %d memories: %w", len(docs), err)
	}
	return nil
}

func toDocument(r Record) chromem.Document {
	return chromem.Document{
		ID:      r.ID,
		Content: r.Text,
		Metadata: map[string]string{
			"user_id":    r.UserID,
			"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// Query returns up to limit memories of userID most similar to text.
func (v *VectorStore) Query(ctx context.Context, userID, text string, limit int) ([]Match, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrVectorStoreClosed
	}

	// chromem rejects limits above the collection size.
	if n := v.col.Count(); limit > n {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}

	results, err := v.col.Query(ctx, text, limit, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		created, _ := time.Parse(time.RFC3339Nano, res.Metadata["created_at"])
		matches = append(matches, Match{
			Record: Record{
				ID:        res.ID,
				UserID:    res.Metadata["user_id"],
				Text:      res.Content,
				CreatedAt: created,
			},
			Score: res.Similarity,
		})
	}
	return matches, nil
}

// Count returns the number of indexed memories across all users.
func (v *VectorStore) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return 0
	}
	return v.col.Count()
}

// Close releases the collection. Persistent stores are written on every
// Add, so nothing is flushed here. Closing twice is an error.
func (v *VectorStore) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrVectorStoreClosed
	}
	v.closed = true
	v.col = nil
	v.db = nil
	return nil
}

// InstrumentedVectorStore records query latency around a VectorStore.
type InstrumentedVectorStore struct {
	inner *VectorStore
}

// Instrument wraps v with latency metrics.
func Instrument(v *VectorStore) *InstrumentedVectorStore {
	return &InstrumentedVectorStore{inner: v}
}

// Add indexes r.
func (i *InstrumentedVectorStore) Add(ctx context.Context, r Record) error {
	return i.inner.Add(ctx, r)
}

// Remove drops id from the wrapped store.
func (i *InstrumentedVectorStore) Remove(ctx context.Context, id string) error {
	return i.inner.Remove(ctx, id)
}

// Query searches the wrapped store and records its latency.
func (i *InstrumentedVectorStore) Query(ctx context.Context, userID, text string, limit int) ([]Match, error) {
	start := time.Now()
	defer func() {
		VectorQueryLatency.ObserveSince(start)
	}()
	return i.inner.Query(ctx, userID, text, limit)
}

// Unwrap returns the wrapped store.
func (i *InstrumentedVectorStore) Unwrap() any {
	return i.inner
}
