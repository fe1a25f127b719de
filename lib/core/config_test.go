package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memkeep/memkeep/lib/memory"
	"github.com/memkeep/memkeep/lib/pool"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name == "" {
		t.Error("default config should have a server name")
	}
	if !strings.HasSuffix(cfg.Server.DataDir, ".memkeep") {
		t.Errorf("default data dir should be ~/.memkeep, got %s", cfg.Server.DataDir)
	}
	if cfg.Server.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.Storage.Collection != memory.DefaultCollection {
		t.Errorf("Collection = %s, want %s", cfg.Storage.Collection, memory.DefaultCollection)
	}
	if cfg.Storage.URL != "" {
		t.Error("default config should not name a database")
	}

	defaults := pool.DefaultConfig()
	if cfg.Pool.MaxSize != defaults.MaxSize || cfg.Pool.IdleTimeout != defaults.IdleTimeout {
		t.Errorf("pool defaults = %+v, want %+v", cfg.Pool, defaults)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid default config", func(c *Config) {}, ""},
		{"empty server name", func(c *Config) { c.Server.Name = "" }, "server.name"},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }, "server.data_dir"},
		{"short shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 100 * time.Millisecond }, "shutdown_timeout"},
		{"max size zero", func(c *Config) { c.Pool.MaxSize = 0 }, "pool.max_size"},
		{"idle timeout zero", func(c *Config) { c.Pool.IdleTimeout = 0 }, "pool.idle_timeout"},
		{"lifetime below idle", func(c *Config) { c.Pool.MaxLifetime = c.Pool.IdleTimeout / 2 }, "pool.max_lifetime"},
		{"reclaim interval zero", func(c *Config) { c.Pool.ReclaimInterval = 0 }, "pool.reclaim_interval"},
		{"negative dims", func(c *Config) { c.Embedder.Dims = -1 }, "embedder.dims"},
		{"negative cache", func(c *Config) { c.Embedder.CacheSize = -1 }, "embedder.cache_size"},
		{"negative save rate", func(c *Config) { c.Limits.SaveRate = -1 }, "limits"},
		{"bad tcp address", func(c *Config) { c.RPC.TCPAddress = "localhost" }, "rpc.tcp_address"},
		{"missing storage url is deferred", func(c *Config) { c.Storage.URL = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.DataDir = t.TempDir()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Name = ""
	cfg.Pool.MaxSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, field := range []string{"server.name", "pool.max_size"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Validate() error %q should mention %s", err, field)
		}
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig on a missing file should return defaults: %v", err)
	}
	if cfg.Server.Name != "memkeep" {
		t.Errorf("Name = %s, want memkeep", cfg.Server.Name)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "conf", "memkeep.toml")

	cfg := DefaultConfig()
	cfg.Server.Name = "archive"
	cfg.Server.DataDir = t.TempDir()
	cfg.Pool.MaxSize = 4
	cfg.Pool.IdleTimeout = 90 * time.Second
	cfg.Storage.URL = "postgres://mem:pw@db:5432/memories"
	cfg.Embedder.Dims = 768
	cfg.RPC.TCPAddress = "127.0.0.1:8050"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Server.Name != "archive" {
		t.Errorf("Name = %s", loaded.Server.Name)
	}
	if loaded.Pool.MaxSize != 4 || loaded.Pool.IdleTimeout != 90*time.Second {
		t.Errorf("Pool = %+v", loaded.Pool)
	}
	if loaded.Storage.URL != cfg.Storage.URL {
		t.Errorf("Storage.URL = %s", loaded.Storage.URL)
	}
	if loaded.Embedder.Dims != 768 {
		t.Errorf("Embedder.Dims = %d", loaded.Embedder.Dims)
	}
	if loaded.RPC.TCPAddress != "127.0.0.1:8050" {
		t.Errorf("RPC.TCPAddress = %s", loaded.RPC.TCPAddress)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.toml")
	if err := os.WriteFile(garbage, []byte("[server\nname ="), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(garbage); err == nil {
		t.Error("LoadConfig should reject malformed TOML")
	}

	invalid := filepath.Join(dir, "invalid.toml")
	if err := os.WriteFile(invalid, []byte("[pool]\nmax_size = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(invalid); err == nil {
		t.Error("LoadConfig should reject an invalid pool size")
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	env := func(vars map[string]string) func(string) (string, bool) {
		return func(key string) (string, bool) {
			v, ok := vars[key]
			return v, ok
		}
	}

	t.Run("providers and storage", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.ApplyEnv(env(map[string]string{
			"LLM_PROVIDER":           "ollama",
			"LLM_API_KEY":            "k",
			"LLM_CHOICE":             "llama3",
			"LLM_BASE_URL":           "http://ollama:11434",
			"EMBEDDING_MODEL_CHOICE": "all-minilm",
			"EMBEDDING_DIMS":         "384",
			"DATABASE_URL":           "sqlite:///var/lib/memkeep.db",
		}))
		if err != nil {
			t.Fatalf("ApplyEnv: %v", err)
		}
		if cfg.LLM.Provider != "ollama" || cfg.LLM.APIKey != "k" || cfg.LLM.Model != "llama3" {
			t.Errorf("LLM = %+v", cfg.LLM)
		}
		if cfg.LLM.BaseURL != "http://ollama:11434" {
			t.Errorf("LLM.BaseURL = %s", cfg.LLM.BaseURL)
		}
		if cfg.Embedder.Model != "all-minilm" || cfg.Embedder.Dims != 384 {
			t.Errorf("Embedder = %+v", cfg.Embedder)
		}
		if cfg.Storage.URL != "sqlite:///var/lib/memkeep.db" {
			t.Errorf("Storage.URL = %s", cfg.Storage.URL)
		}
		if cfg.RPC.TCPAddress != "" {
			t.Errorf("TCP should stay off without HOST, PORT or TRANSPORT, got %s", cfg.RPC.TCPAddress)
		}
	})

	t.Run("empty values are ignored", func(t *testing.T) {
		cfg := DefaultConfig()
		if err := cfg.ApplyEnv(env(map[string]string{"LLM_PROVIDER": ""})); err != nil {
			t.Fatalf("ApplyEnv: %v", err)
		}
		if cfg.LLM.Provider != memory.ProviderOpenAI {
			t.Errorf("Provider = %s, want default", cfg.LLM.Provider)
		}
	})

	listenTests := []struct {
		name    string
		vars    map[string]string
		want    string
		wantErr bool
	}{
		{"sse transport uses defaults", map[string]string{"TRANSPORT": "sse"}, "0.0.0.0:8050", false},
		{"host and port", map[string]string{"HOST": "127.0.0.1", "PORT": "9000"}, "127.0.0.1:9000", false},
		{"port only", map[string]string{"PORT": "9001"}, "0.0.0.0:9001", false},
		{"stdio disables tcp", map[string]string{"TRANSPORT": "stdio", "PORT": "9000"}, "", false},
		{"bad port", map[string]string{"PORT": "http"}, "", true},
		{"port out of range", map[string]string{"PORT": "70000"}, "", true},
		{"bad transport", map[string]string{"TRANSPORT": "carrier-pigeon"}, "", true},
		{"bad dims", map[string]string{"EMBEDDING_DIMS": "many"}, "", true},
	}
	for _, tt := range listenTests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.RPC.TCPAddress = ""
			err := cfg.ApplyEnv(env(tt.vars))
			if tt.wantErr {
				if err == nil {
					t.Error("ApplyEnv should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyEnv: %v", err)
			}
			if cfg.RPC.TCPAddress != tt.want {
				t.Errorf("TCPAddress = %q, want %q", cfg.RPC.TCPAddress, tt.want)
			}
		})
	}
}

func TestConfig_DataPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/memkeep"

	if got := cfg.DataPath(DefaultRPCSocket); got != "/var/lib/memkeep/rpc.sock" {
		t.Errorf("DataPath = %s", got)
	}
}

func TestConfig_EnsureDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	if err := cfg.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}
	info, err := os.Stat(cfg.Server.DataDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestConfig_PoolConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxSize = 3
	cfg.Pool.DrainTimeout = time.Minute

	pc := cfg.PoolConfig()
	if pc.MaxSize != 3 || pc.DrainTimeout != time.Minute {
		t.Errorf("PoolConfig() = %+v", pc)
	}
	if pc.ReclaimInterval != cfg.Pool.ReclaimInterval || pc.StopTimeout != cfg.Pool.StopTimeout {
		t.Errorf("PoolConfig() = %+v", pc)
	}
	if pc.Sessions != nil {
		t.Error("PoolConfig() should not set a session counter")
	}
}

func TestConfig_MemoryConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/data"
	cfg.LLM.Provider = memory.ProviderAnthropic
	cfg.Embedder.Provider = memory.ProviderOllama
	cfg.Storage.URL = "mysql://u:p@db/mem"

	mc := cfg.MemoryConfig()
	if mc.LLMProvider != memory.ProviderAnthropic || mc.EmbeddingProvider != memory.ProviderOllama {
		t.Errorf("providers = %s/%s", mc.LLMProvider, mc.EmbeddingProvider)
	}
	if mc.StorageURL != "mysql://u:p@db/mem" {
		t.Errorf("StorageURL = %s", mc.StorageURL)
	}
	if mc.VectorPath != "/data/vectors" {
		t.Errorf("default VectorPath = %s, want /data/vectors", mc.VectorPath)
	}

	cfg.Storage.VectorDir = ""
	if got := cfg.MemoryConfig().VectorPath; got != "" {
		t.Errorf("vectors should stay in memory with an empty vector_dir, got %s", got)
	}
	cfg.Storage.VectorDir = "idx"
	if got := cfg.MemoryConfig().VectorPath; got != "/data/idx" {
		t.Errorf("relative VectorDir = %s, want /data/idx", got)
	}
	cfg.Storage.VectorDir = "/mnt/vectors"
	if got := cfg.MemoryConfig().VectorPath; got != "/mnt/vectors" {
		t.Errorf("absolute VectorDir = %s", got)
	}
}

// clearEnv blanks the variables ApplyEnv reads so the host environment
// cannot leak into LoadConfig tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LLM_PROVIDER", "LLM_API_KEY", "LLM_CHOICE", "LLM_BASE_URL",
		"EMBEDDING_MODEL_CHOICE", "EMBEDDING_DIMS", "DATABASE_URL",
		"HOST", "PORT", "TRANSPORT",
	} {
		t.Setenv(key, "")
	}
}
