package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/memkeep/memkeep/lib/pool"
)

var exportEnvOnce sync.Once

// exportProviderEnv publishes provider credentials to the environment once
// per process for libraries that read them from there. Existing values are
// left alone.
func exportProviderEnv(cfg Config) {
	exportEnvOnce.Do(func() {
		switch cfg.LLMProvider {
		case ProviderOpenAI, ProviderOpenRouter:
			setenvIfUnset("OPENAI_API_KEY", cfg.LLMAPIKey)
			if cfg.LLMProvider == ProviderOpenRouter {
				setenvIfUnset("OPENROUTER_API_KEY", cfg.LLMAPIKey)
			}
		case ProviderAnthropic:
			setenvIfUnset("ANTHROPIC_API_KEY", cfg.LLMAPIKey)
		}
	})
}

func setenvIfUnset(key, value string) {
	if value == "" {
		return
	}
	if _, ok := os.LookupEnv(key); ok {
		return
	}
	os.Setenv(key, value)
}

// New builds a client for cfg. A missing storage URL or an unknown provider
// is reported as a configuration error.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	exportProviderEnv(cfg)

	embedder, err := NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	records, err := openStore(ctx, cfg.StorageURL)
	if err != nil {
		embedder.Close()
		return nil, err
	}

	vs, err := OpenVectorStore(cfg, embedder.Embed)
	if err != nil {
		closeStore(records)
		embedder.Close()
		return nil, err
	}

	if err := catchUpIndex(ctx, records, vs); err != nil {
		vs.Close()
		closeStore(records)
		embedder.Close()
		return nil, err
	}

	var vectors vectorIndex = vs
	if cfg.VectorInstrument {
		vectors = Instrument(vs)
	}

	log.WithField("storage", records.Backend()).
		WithField("embedder", cfg.EmbeddingProvider).
		WithField("dims", cfg.EmbeddingDims).
		Debug("memory client created")

	return &Client{
		records:   records,
		vectors:   vectors,
		embedder:  embedder,
		extractor: newExtractor(cfg),
		now:       time.Now,
	}, nil
}

// catchUpIndex rebuilds the vector index from the record store when it holds
// fewer vectors than there are records. This is always the case for a fresh
// in-memory index, and for a persistent one written by an older handle.
func catchUpIndex(ctx context.Context, records recordStore, vs *VectorStore) error {
	all, err := records.All(ctx)
	if err != nil {
		return fmt.Errorf("load memories for indexing: %w", err)
	}
	if vs.Count() >= len(all) {
		return nil
	}
	if err := vs.Reindex(ctx, all); err != nil {
		return err
	}
	log.WithField("count", len(all)).Info("vector index rebuilt from record store")
	return nil
}

// NewFactory returns a pool factory that builds clients from cfg.
func NewFactory(cfg Config) pool.Factory {
	return func(ctx context.Context) (pool.Handle, error) {
		c, err := New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func closeStore(s recordStore) {
	switch st := s.(type) {
	case *sqlStore:
		st.Close()
	case *pgStore:
		st.Dispose()
	}
}
