// Package core wires the memkeep server together: configuration, the
// memory client pool, its reclaimer and the RPC surface, and the start and
// stop hooks that tie their lifetimes to the process.
package core

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/memkeep/memkeep/lib/memory"
	"github.com/memkeep/memkeep/lib/pool"
	"github.com/memkeep/memkeep/lib/validation"
)

// Default configuration values
const (
	DefaultRPCSocket       = "rpc.sock"
	DefaultAuthFile        = "rpc.auth"
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8050
	DefaultMaxConnections  = 100
	DefaultSaveRate        = 2.0
	DefaultSaveBurst       = 10
	DefaultEmbeddingCache  = 4096
	DefaultVectorDir       = "vectors"
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds all configuration for a memkeep server.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	RPC      RPCConfig      `toml:"rpc"`
	Pool     PoolConfig     `toml:"pool"`
	LLM      LLMConfig      `toml:"llm"`
	Embedder EmbedderConfig `toml:"embedder"`
	Storage  StorageConfig  `toml:"storage"`
	Limits   LimitsConfig   `toml:"limits"`
}

// ServerConfig contains basic server settings.
type ServerConfig struct {
	// Name identifies this server in logs and status output
	Name string `toml:"name"`
	// DataDir is the directory where the socket, auth token and vectors live
	DataDir string `toml:"data_dir"`
	// ShutdownTimeout bounds how long Stop waits for the RPC server
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// RPCConfig contains RPC server settings.
type RPCConfig struct {
	// Enabled controls whether the RPC server is started
	Enabled bool `toml:"enabled"`
	// Socket is the path to the Unix socket for RPC (relative to DataDir)
	Socket string `toml:"socket"`
	// TCPAddress is an optional TCP address for RPC (e.g., "127.0.0.1:8050")
	TCPAddress string `toml:"tcp_address,omitempty"`
	// AuthFile holds the token TCP clients must present (relative to DataDir)
	AuthFile string `toml:"auth_file"`
	// MaxConnections caps concurrent RPC connections
	MaxConnections int `toml:"max_connections"`
}

// PoolConfig contains memory client pool settings.
type PoolConfig struct {
	// MaxSize is the soft capacity; acquiring past it reclaims idle clients
	MaxSize int `toml:"max_size"`
	// IdleTimeout is how long an unused client is kept
	IdleTimeout time.Duration `toml:"idle_timeout"`
	// MaxLifetime is the longest any client is kept
	MaxLifetime time.Duration `toml:"max_lifetime"`
	// ReclaimInterval is how often the background reclaimer runs
	ReclaimInterval time.Duration `toml:"reclaim_interval"`
	// DrainTimeout is how long an evicted but still referenced client is kept
	DrainTimeout time.Duration `toml:"drain_timeout"`
	// StopTimeout bounds how long stopping the reclaimer waits
	StopTimeout time.Duration `toml:"stop_timeout"`
}

// LLMConfig selects the language model provider.
type LLMConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key,omitempty"`
	Model    string `toml:"model,omitempty"`
	BaseURL  string `toml:"base_url,omitempty"`
}

// EmbedderConfig selects the embedding provider. Empty fields follow the
// LLM provider.
type EmbedderConfig struct {
	Provider  string `toml:"provider,omitempty"`
	Model     string `toml:"model,omitempty"`
	Dims      int    `toml:"dims,omitempty"`
	APIKey    string `toml:"api_key,omitempty"`
	BaseURL   string `toml:"base_url,omitempty"`
	CacheSize int64  `toml:"cache_size"`
}

// StorageConfig locates the record and vector stores.
type StorageConfig struct {
	// URL selects the record store: postgres://, mysql:// or sqlite://
	URL string `toml:"url"`
	// VectorDir persists vectors, relative to DataDir unless absolute.
	// Empty keeps them in memory, rebuilt from the record store per handle.
	VectorDir string `toml:"vector_dir,omitempty"`
	// Compress gzips persisted vectors
	Compress bool `toml:"compress"`
	// Instrument records vector query latency
	Instrument bool   `toml:"instrument"`
	Collection string `toml:"collection,omitempty"`
}

// LimitsConfig contains per-user request limits.
type LimitsConfig struct {
	// SaveRate is the sustained number of saves per second per user
	SaveRate float64 `toml:"save_rate"`
	// SaveBurst is the number of saves a user may make at once
	SaveBurst int `toml:"save_burst"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".memkeep")
	poolDefaults := pool.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Name:            "memkeep",
			DataDir:         dataDir,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		RPC: RPCConfig{
			Enabled:        true,
			Socket:         DefaultRPCSocket,
			AuthFile:       DefaultAuthFile,
			MaxConnections: DefaultMaxConnections,
		},
		Pool: PoolConfig{
			MaxSize:         poolDefaults.MaxSize,
			IdleTimeout:     poolDefaults.IdleTimeout,
			MaxLifetime:     poolDefaults.MaxLifetime,
			ReclaimInterval: poolDefaults.ReclaimInterval,
			DrainTimeout:    poolDefaults.DrainTimeout,
			StopTimeout:     poolDefaults.StopTimeout,
		},
		LLM: LLMConfig{
			Provider: memory.ProviderOpenAI,
		},
		Embedder: EmbedderConfig{
			CacheSize: DefaultEmbeddingCache,
		},
		Storage: StorageConfig{
			VectorDir:  DefaultVectorDir,
			Collection: memory.DefaultCollection,
		},
		Limits: LimitsConfig{
			SaveRate:  DefaultSaveRate,
			SaveBurst: DefaultSaveBurst,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
// Environment variables are applied on top of the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides configuration from environment variables. lookup is
// usually os.LookupEnv.
//
//	LLM_PROVIDER, LLM_API_KEY, LLM_CHOICE, LLM_BASE_URL
//	EMBEDDING_MODEL_CHOICE, EMBEDDING_DIMS
//	DATABASE_URL
//	HOST, PORT, TRANSPORT
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("LLM_PROVIDER", &c.LLM.Provider)
	str("LLM_API_KEY", &c.LLM.APIKey)
	str("LLM_CHOICE", &c.LLM.Model)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("EMBEDDING_MODEL_CHOICE", &c.Embedder.Model)
	str("DATABASE_URL", &c.Storage.URL)

	if v, ok := lookup("EMBEDDING_DIMS"); ok && v != "" {
		dims, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMBEDDING_DIMS: %w", err)
		}
		c.Embedder.Dims = dims
	}

	host, _ := lookup("HOST")
	port, _ := lookup("PORT")
	transport, _ := lookup("TRANSPORT")

	switch strings.ToLower(transport) {
	case "unix", "stdio":
		c.RPC.TCPAddress = ""
		return nil
	case "", "tcp", "sse":
	default:
		return fmt.Errorf("TRANSPORT: unsupported value %q", transport)
	}

	if host == "" && port == "" && transport == "" {
		return nil
	}
	if host == "" {
		host = DefaultHost
	}
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("PORT: %w", err)
	}
	if err := validation.Port("PORT", n); err != nil {
		return err
	}
	c.RPC.TCPAddress = net.JoinHostPort(host, port)
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.ServerName("server.name", c.Server.Name))
	errs.Add(validation.Required("server.data_dir", c.Server.DataDir))
	if c.Server.ShutdownTimeout < time.Second {
		errs.Add(errors.New("server.shutdown_timeout must be at least 1s"))
	}
	if c.RPC.TCPAddress != "" {
		errs.Add(validation.HostPort("rpc.tcp_address", c.RPC.TCPAddress))
	}
	errs.Add(validation.NonNegative("rpc.max_connections", c.RPC.MaxConnections))

	errs.Add(validation.Positive("pool.max_size", c.Pool.MaxSize))
	if c.Pool.IdleTimeout <= 0 {
		errs.Add(errors.New("pool.idle_timeout must be positive"))
	}
	if c.Pool.MaxLifetime < c.Pool.IdleTimeout {
		errs.Add(errors.New("pool.max_lifetime must not be shorter than pool.idle_timeout"))
	}
	if c.Pool.ReclaimInterval <= 0 {
		errs.Add(errors.New("pool.reclaim_interval must be positive"))
	}

	errs.Add(validation.NonNegative("embedder.dims", c.Embedder.Dims))
	if c.Embedder.CacheSize < 0 {
		errs.Add(errors.New("embedder.cache_size must not be negative"))
	}
	if c.Limits.SaveRate < 0 || c.Limits.SaveBurst < 0 {
		errs.Add(errors.New("limits must not be negative"))
	}
	// storage.url is checked when the first client is built so that a
	// misconfigured server still reports a configuration error on acquire.

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Server.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Server.DataDir, 0700)
}

// PoolConfig converts the [pool] section to pool settings.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxSize:         c.Pool.MaxSize,
		IdleTimeout:     c.Pool.IdleTimeout,
		MaxLifetime:     c.Pool.MaxLifetime,
		ReclaimInterval: c.Pool.ReclaimInterval,
		DrainTimeout:    c.Pool.DrainTimeout,
		StopTimeout:     c.Pool.StopTimeout,
	}
}

// MemoryConfig converts the provider and storage sections to the settings
// memory clients are built from.
func (c *Config) MemoryConfig() memory.Config {
	mc := memory.Config{
		LLMProvider:        c.LLM.Provider,
		LLMAPIKey:          c.LLM.APIKey,
		LLMModel:           c.LLM.Model,
		LLMBaseURL:         c.LLM.BaseURL,
		EmbeddingProvider:  c.Embedder.Provider,
		EmbeddingModel:     c.Embedder.Model,
		EmbeddingDims:      c.Embedder.Dims,
		EmbeddingAPIKey:    c.Embedder.APIKey,
		EmbeddingBaseURL:   c.Embedder.BaseURL,
		EmbeddingCacheSize: c.Embedder.CacheSize,
		StorageURL:         c.Storage.URL,
		VectorCompress:     c.Storage.Compress,
		VectorInstrument:   c.Storage.Instrument,
		Collection:         c.Storage.Collection,
	}
	if c.Storage.VectorDir != "" {
		mc.VectorPath = c.Storage.VectorDir
		if !filepath.IsAbs(mc.VectorPath) {
			mc.VectorPath = c.DataPath(mc.VectorPath)
		}
	}
	return mc
}
