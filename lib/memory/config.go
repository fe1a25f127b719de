package memory

import (
	"fmt"
	"strings"

	apperrors "github.com/memkeep/memkeep/lib/errors"
)

// DefaultUserID is used when a request carries no user id.
const DefaultUserID = "user"

// DefaultCollection is the vector collection memories are stored in.
const DefaultCollection = "memkeep_memories"

// Provider names accepted for the LLM and embedder.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderAnthropic  = "anthropic"
	ProviderHash       = "hash"
	ProviderNone       = "none"
)

const (
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultOllamaEmbeddingModel = "nomic-embed-text"
	defaultOpenRouterBaseURL    = "https://openrouter.ai/api/v1"
	defaultOllamaBaseURL        = "http://localhost:11434"
	defaultAnthropicModel       = "claude-3-5-haiku-latest"
)

// Config describes how a memory client connects to its backends.
type Config struct {
	// LLMProvider selects fact extraction: "anthropic" extracts facts with
	// Claude, anything else stores text as given.
	LLMProvider string
	LLMAPIKey   string
	LLMModel    string
	LLMBaseURL  string

	// EmbeddingProvider defaults to LLMProvider when that provider can embed.
	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingDims     int
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string
	// EmbeddingCacheSize is the number of embeddings kept in memory. Zero
	// disables the cache.
	EmbeddingCacheSize int64

	// StorageURL selects the record store: postgres://, mysql:// or sqlite://.
	StorageURL string

	// VectorPath persists the vector store under this directory when set.
	VectorPath     string
	VectorCompress bool
	// VectorInstrument wraps the vector store with latency metrics.
	VectorInstrument bool
	Collection       string
}

// withDefaults fills derived fields and validates provider names.
func (c Config) withDefaults() (Config, error) {
	if strings.TrimSpace(c.StorageURL) == "" {
		return c, apperrors.ErrStorageURLRequired
	}

	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	switch c.LLMProvider {
	case "":
		c.LLMProvider = ProviderOpenAI
	case ProviderOpenAI, ProviderOpenRouter, ProviderOllama, ProviderAnthropic, ProviderNone:
	default:
		return c, fmt.Errorf("%w: llm %q", apperrors.ErrUnsupportedProvider, c.LLMProvider)
	}
	if c.LLMProvider == ProviderAnthropic && c.LLMAPIKey == "" {
		return c, fmt.Errorf("%w: anthropic requires an api key", apperrors.ErrConfiguration)
	}
	if c.LLMProvider == ProviderAnthropic && c.LLMModel == "" {
		c.LLMModel = defaultAnthropicModel
	}

	c.EmbeddingProvider = strings.ToLower(strings.TrimSpace(c.EmbeddingProvider))
	if c.EmbeddingProvider == "" {
		switch c.LLMProvider {
		case ProviderOpenAI, ProviderOpenRouter, ProviderOllama:
			c.EmbeddingProvider = c.LLMProvider
		default:
			return c, fmt.Errorf("%w: llm provider %q cannot embed, set an embedding provider",
				apperrors.ErrUnsupportedProvider, c.LLMProvider)
		}
	}
	if c.EmbeddingAPIKey == "" && c.EmbeddingProvider == c.LLMProvider {
		c.EmbeddingAPIKey = c.LLMAPIKey
	}
	if c.EmbeddingBaseURL == "" && c.EmbeddingProvider == c.LLMProvider {
		c.EmbeddingBaseURL = c.LLMBaseURL
	}

	switch c.EmbeddingProvider {
	case ProviderOpenAI, ProviderOpenRouter:
		if c.EmbeddingModel == "" {
			c.EmbeddingModel = defaultOpenAIEmbeddingModel
		}
		if c.EmbeddingAPIKey == "" {
			return c, fmt.Errorf("%w: %s embeddings require an api key", apperrors.ErrConfiguration, c.EmbeddingProvider)
		}
		if c.EmbeddingProvider == ProviderOpenRouter && c.EmbeddingBaseURL == "" {
			c.EmbeddingBaseURL = defaultOpenRouterBaseURL
		}
	case ProviderOllama:
		if c.EmbeddingModel == "" {
			c.EmbeddingModel = defaultOllamaEmbeddingModel
		}
		if c.EmbeddingBaseURL == "" {
			c.EmbeddingBaseURL = defaultOllamaBaseURL
		}
	case ProviderHash:
	default:
		return c, fmt.Errorf("%w: embedder %q", apperrors.ErrUnsupportedProvider, c.EmbeddingProvider)
	}

	if c.EmbeddingDims <= 0 {
		c.EmbeddingDims = DefaultDims(c.EmbeddingProvider, c.EmbeddingModel)
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	return c, nil
}

// DefaultDims returns the embedding width of a provider's model.
func DefaultDims(provider, model string) int {
	switch provider {
	case ProviderOllama:
		if strings.Contains(model, "all-minilm") {
			return 384
		}
		return 768
	case ProviderHash:
		return 384
	default:
		if strings.Contains(model, "text-embedding-3-large") {
			return 3072
		}
		return 1536
	}
}
