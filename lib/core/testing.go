package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memkeep/memkeep/lib/memory"
)

// testServerCounter gives each test server a distinct name.
var testServerCounter atomic.Uint64

// testConfig returns a configuration backed by a SQLite file and the local
// hash embedder, so servers start without network access. RPC is disabled.
func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Server.Name = fmt.Sprintf("test-server-%d", testServerCounter.Add(1))
	cfg.RPC.Enabled = false
	cfg.LLM.Provider = memory.ProviderNone
	cfg.Embedder.Provider = memory.ProviderHash
	cfg.Embedder.Dims = 64
	cfg.Storage.URL = "sqlite://" + filepath.Join(cfg.Server.DataDir, "memories.db")

	return cfg
}

// cleanupServer stops a running server, failing the test if it does not
// stop promptly.
func cleanupServer(t *testing.T, s *Server) {
	t.Helper()

	if s == nil || s.State() != StateRunning {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed during cleanup: %v", err)
	}
}
