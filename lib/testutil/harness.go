// Package testutil runs memkeep servers in temporary directories for
// integration tests. Servers keep memories in SQLite and embed with the
// local hash embedder, so no database server or network access is needed.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/memkeep/memkeep/lib/core"
	"github.com/memkeep/memkeep/lib/memory"
	"github.com/memkeep/memkeep/lib/rpc"
)

const (
	// DefaultDialTimeout is the RPC timeout of clients returned by Dial.
	DefaultDialTimeout = 5 * time.Second

	// DefaultStopTimeout bounds how long Stop waits for a server.
	DefaultStopTimeout = 10 * time.Second

	// TestEmbeddingDims is the vector size used by harness servers.
	TestEmbeddingDims = 64
)

// TestServer is a single memkeep server managed by the harness.
type TestServer struct {
	mu sync.RWMutex

	ID     string
	Config *core.Config

	server  *core.Server
	started bool
}

// TestServerConfig configures a test server.
type TestServerConfig struct {
	// ID is a unique identifier for this server (e.g., "s1").
	ID string
	// DataDir holds the server's database, socket and auth token.
	DataDir string
	// Configure adjusts the configuration before the server is built.
	Configure func(*core.Config)
}

// TestConfig returns a configuration for a server rooted at dataDir with
// RPC on its Unix socket, SQLite storage and no LLM.
func TestConfig(id, dataDir string) *core.Config {
	cfg := core.DefaultConfig()
	cfg.Server.Name = "harness-" + id
	cfg.Server.DataDir = dataDir
	cfg.RPC.Enabled = true
	cfg.LLM.Provider = memory.ProviderNone
	cfg.Embedder.Provider = memory.ProviderHash
	cfg.Embedder.Dims = TestEmbeddingDims
	cfg.Storage.URL = "sqlite://" + filepath.Join(dataDir, "memories.db")
	return cfg
}

// NewTestServer builds a test server. It is not started.
func NewTestServer(cfg TestServerConfig) (*TestServer, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("test server ID is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("test server %s: data directory is required", cfg.ID)
	}

	conf := TestConfig(cfg.ID, cfg.DataDir)
	if cfg.Configure != nil {
		cfg.Configure(conf)
	}

	srv, err := core.NewServer(conf, nil)
	if err != nil {
		return nil, fmt.Errorf("test server %s: %w", cfg.ID, err)
	}

	return &TestServer{
		ID:     cfg.ID,
		Config: conf,
		server: srv,
	}, nil
}

// Start starts the server.
func (n *TestServer) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return fmt.Errorf("test server %s already started", n.ID)
	}
	if err := n.server.Start(ctx); err != nil {
		return fmt.Errorf("starting test server %s: %w", n.ID, err)
	}
	n.started = true
	return nil
}

// Stop stops the server. Stopping a server that is not running is a no-op.
func (n *TestServer) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil
	}
	n.started = false

	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	return n.server.Stop(ctx)
}

// IsStarted returns whether the server is running.
func (n *TestServer) IsStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

// Server returns the underlying core server.
func (n *TestServer) Server() *core.Server {
	return n.server
}

// SocketPath returns the server's RPC socket.
func (n *TestServer) SocketPath() string {
	return n.Config.DataPath(n.Config.RPC.Socket)
}

// AuthFile returns the file holding the server's RPC auth token.
func (n *TestServer) AuthFile() string {
	return n.Config.DataPath(n.Config.RPC.AuthFile)
}

// Dial opens an RPC client to the server. The caller closes it.
func (n *TestServer) Dial() (*rpc.Client, error) {
	if !n.IsStarted() {
		return nil, fmt.Errorf("test server %s is not running", n.ID)
	}
	return rpc.NewClient(rpc.ClientConfig{
		UnixSocketPath: n.SocketPath(),
		AuthFile:       n.AuthFile(),
		Timeout:        DefaultDialTimeout,
	})
}

// Harness manages a set of test servers sharing one base directory.
type Harness struct {
	mu      sync.RWMutex
	baseDir string
	servers map[string]*TestServer
}

// NewHarness creates a harness whose servers live under baseDir, usually
// t.TempDir().
func NewHarness(baseDir string) *Harness {
	return &Harness{
		baseDir: baseDir,
		servers: make(map[string]*TestServer),
	}
}

// CreateServer builds and starts a server in its own subdirectory.
func (h *Harness) CreateServer(ctx context.Context, id string, configure func(*core.Config)) (*TestServer, error) {
	h.mu.Lock()
	if _, exists := h.servers[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("test server %s already exists", id)
	}
	h.mu.Unlock()

	srv, err := NewTestServer(TestServerConfig{
		ID:        id,
		DataDir:   filepath.Join(h.baseDir, id),
		Configure: configure,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.servers[id] = srv
	h.mu.Unlock()
	return srv, nil
}

// GetServer returns a server by ID, or nil.
func (h *Harness) GetServer(id string) *TestServer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.servers[id]
}

// ListServers returns all servers ordered by ID.
func (h *Harness) ListServers() []*TestServer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	servers := make([]*TestServer, 0, len(h.servers))
	for _, s := range h.servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers
}

// ServerCount returns the number of servers.
func (h *Harness) ServerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.servers)
}

// Cleanup stops every server and returns the first error.
func (h *Harness) Cleanup() error {
	h.mu.Lock()
	servers := h.servers
	h.servers = make(map[string]*TestServer)
	h.mu.Unlock()

	var firstErr error
	for _, s := range servers {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
