package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	chromem "github.com/philippgille/chromem-go"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/metrics"
)

// Embedder turns text into vectors, caching results when configured.
type Embedder struct {
	provider string
	dims     int
	fn       chromem.EmbeddingFunc

	mu    sync.RWMutex // guards cache against Close
	cache *ristretto.Cache
}

// NewEmbedder builds the embedder for cfg. cfg must already have defaults.
func NewEmbedder(cfg Config) (*Embedder, error) {
	fn, err := embeddingFunc(cfg)
	if err != nil {
		return nil, err
	}

	e := &Embedder{provider: cfg.EmbeddingProvider, dims: cfg.EmbeddingDims, fn: fn}
	if cfg.EmbeddingCacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.EmbeddingCacheSize * 10,
			MaxCost:     cfg.EmbeddingCacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

func embeddingFunc(cfg Config) (chromem.EmbeddingFunc, error) {
	switch cfg.EmbeddingProvider {
	case ProviderOpenAI:
		if cfg.EmbeddingBaseURL != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, nil), nil
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.EmbeddingAPIKey, chromem.EmbeddingModelOpenAI(cfg.EmbeddingModel)), nil
	case ProviderOpenRouter:
		return chromem.NewEmbeddingFuncOpenAICompat(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, nil), nil
	case ProviderOllama:
		return chromem.NewEmbeddingFuncOllama(cfg.EmbeddingModel, ollamaAPIURL(cfg.EmbeddingBaseURL)), nil
	case ProviderHash:
		return hashEmbedding(cfg.EmbeddingDims), nil
	default:
		return nil, fmt.Errorf("%w: embedder %q", apperrors.ErrUnsupportedProvider, cfg.EmbeddingProvider)
	}
}

// ollamaAPIURL appends the /api path chromem expects to an Ollama host URL.
func ollamaAPIURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/api") {
		return base
	}
	return base + "/api"
}

// Embed returns the embedding of text. It is safe to call concurrently with
// Close; once closed, results are no longer cached.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cached(text); ok {
		return v, nil
	}

	start := time.Now()
	vec, err := e.fn(ctx, text)
	metrics.EmbeddingLatency.ObserveSince(start)
	if err != nil {
		return nil, fmt.Errorf("embed with %s: %w", e.provider, err)
	}

	e.mu.RLock()
	if e.cache != nil {
		e.cache.Set(text, vec, 1)
	}
	e.mu.RUnlock()
	return vec, nil
}

func (e *Embedder) cached(text string) ([]float32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cache == nil {
		return nil, false
	}
	if v, ok := e.cache.Get(text); ok {
		metrics.EmbeddingCacheHits.Inc()
		return v.([]float32), true
	}
	metrics.EmbeddingCacheMisses.Inc()
	return nil, false
}

// Dimensions returns the configured embedding width.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Close stops the cache's background goroutines.
func (e *Embedder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache != nil {
		e.cache.Close()
		e.cache = nil
	}
}

// hashEmbedding returns deterministic, normalized pseudo-embeddings derived
// from an FNV hash of the text. It needs no network and is used offline.
func hashEmbedding(dims int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		h := fnv.New64a()
		h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
		seed := h.Sum64()

		vec := make([]float32, dims)
		var norm float64
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
			norm += float64(vec[i]) * float64(vec[i])
		}
		if norm == 0 {
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}
