package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/memory"
	"github.com/memkeep/memkeep/lib/metrics"
	"github.com/memkeep/memkeep/lib/pool"
	"github.com/memkeep/memkeep/lib/ratelimit"
	"github.com/memkeep/memkeep/lib/rpc"
	"github.com/memkeep/memkeep/version"
)

// MainServerKey is the pool key of the memory client the server holds for
// its whole lifetime.
const MainServerKey = "main_server"

// ServerState represents the current state of the server.
type ServerState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial ServerState = iota
	// StateStarting means the server is in the process of starting.
	StateStarting
	// StateRunning means the server is fully operational.
	StateRunning
	// StateStopping means the server is shutting down.
	StateStopping
	// StateStopped means the server has been stopped.
	StateStopped
)

func (s ServerState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server owns the memory client pool and the RPC surface in front of it.
// OnStart and OnStop tie the pool's lifetime to the process; each runs at
// most once per Server.
type Server struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	state  ServerState

	pool    *pool.Pool
	rpc     *rpc.Server
	limiter *ratelimit.KeyedLimiter

	// cancel is used to signal shutdown to all goroutines
	cancel context.CancelFunc
	// done signals that the server has fully stopped
	done chan struct{}

	startedAt time.Time

	started bool // OnStart has run
	stopped bool // OnStop has run

	onStateChange func(oldState, newState ServerState)
	onError       func(err error, message string)
}

// NewServer creates a Server whose pool builds memory clients from cfg.
// The server is not started until Start is called.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessions, err := memory.NewSessionCounter(cfg.Storage.URL)
	if err != nil {
		// The same URL fails again on acquire, where it is reported to the caller.
		logger.Warn("session counting disabled", "error", err)
		sessions = nil
	}

	return newServer(cfg, logger, memory.NewFactory(cfg.MemoryConfig()), sessions)
}

func newServer(cfg *Config, logger *slog.Logger, factory pool.Factory, sessions pool.SessionCounter) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrServerInvalidConfig, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg := cfg.PoolConfig()
	poolCfg.Sessions = sessions

	return &Server{
		config: cfg,
		logger: logger.With("component", "server"),
		state:  StateInitial,
		pool:   pool.New(factory, poolCfg),
		done:   make(chan struct{}),
	}, nil
}

// Start runs OnStart and brings up the RPC server.
// Start blocks until the server is fully initialized or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitial {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start server in state %s", apperrors.ErrServerInvalidState, s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.emitStateChange(StateInitial, StateStarting)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("starting server",
		"name", s.config.Server.Name,
		"data_dir", s.config.Server.DataDir,
	)

	if err := s.config.EnsureDataDir(); err != nil {
		s.abortStart(cancel)
		s.emitError(err, "failed to create data directory")
		return fmt.Errorf("creating data directory: %w", err)
	}

	if err := s.OnStart(runCtx); err != nil {
		s.abortStart(cancel)
		s.emitError(err, "failed to open the main memory client")
		return err
	}

	if s.config.RPC.Enabled {
		if err := s.startRPC(runCtx); err != nil {
			s.OnStop(context.Background())
			s.abortStart(cancel)
			s.emitError(err, "failed to start RPC server")
			return fmt.Errorf("starting RPC server: %w", err)
		}
	}

	metrics.RecordStartTime()

	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.emitStateChange(StateStarting, StateRunning)
	s.logger.Info("server started")

	go s.run(runCtx)

	return nil
}

// OnStart starts the reclaimer and takes the long-lived reference on
// MainServerKey. It logs the database session count once the client is up.
// A second call fails with ErrServerInvalidState.
func (s *Server) OnStart(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: start hook already ran", apperrors.ErrServerInvalidState)
	}
	s.started = true
	s.mu.Unlock()

	s.pool.StartReclaiming(s.config.Pool.ReclaimInterval)

	if _, err := s.pool.Acquire(ctx, MainServerKey); err != nil {
		s.pool.StopReclaiming()
		return fmt.Errorf("acquiring %s: %w", MainServerKey, err)
	}

	sessions := s.pool.ActiveConnectionCount(ctx)
	metrics.DatabaseSessions.Set(int64(sessions))
	s.logger.Info("memory client ready", "key", MainServerKey, "database_sessions", sessions)
	return nil
}

// OnStop drops the reference on MainServerKey, stops the reclaimer and tears
// down every pooled client, then logs the remaining session count. It runs
// once; later calls do nothing.
func (s *Server) OnStop(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.pool.Release(MainServerKey)
	s.pool.StopReclaiming()
	s.pool.EvictAll()

	sessions := s.pool.ActiveConnectionCount(ctx)
	metrics.DatabaseSessions.Set(int64(sessions))
	s.logger.Info("memory clients closed", "database_sessions", sessions)
}

func (s *Server) startRPC(ctx context.Context) error {
	cfg := rpc.ServerConfig{
		UnixSocketPath: s.config.DataPath(s.config.RPC.Socket),
		TCPAddress:     s.config.RPC.TCPAddress,
		AuthFile:       s.config.DataPath(s.config.RPC.AuthFile),
		MaxConnections: s.config.RPC.MaxConnections,
	}

	srv, err := rpc.NewServer(cfg)
	if err != nil {
		return err
	}

	var limiter *ratelimit.KeyedLimiter
	if s.config.Limits.SaveRate > 0 && s.config.Limits.SaveBurst > 0 {
		limiter = ratelimit.NewKeyed(s.config.Limits.SaveRate, s.config.Limits.SaveBurst, ratelimit.DefaultCleanup)
	}

	rpc.NewHandlers(rpc.HandlersConfig{
		Server:      s,
		Pool:        s.pool,
		ClientKey:   MainServerKey,
		SaveLimiter: limiter,
	}).RegisterAll(srv)

	if err := srv.Start(ctx, cfg); err != nil {
		if limiter != nil {
			limiter.Close()
		}
		return err
	}

	s.mu.Lock()
	s.rpc = srv
	s.limiter = limiter
	s.mu.Unlock()

	s.logger.Info("RPC server listening",
		"socket", srv.UnixSocketPath(),
		"tcp", srv.TCPAddress(),
	)
	return nil
}

// run waits for the context to be cancelled and marks the server stopped.
func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	<-ctx.Done()

	s.logger.Info("server shutting down")

	s.mu.Lock()
	oldState := s.state
	s.state = StateStopped
	s.mu.Unlock()

	s.emitStateChange(oldState, StateStopped)
}

// Stop shuts down the RPC server, runs OnStop and waits for the server to
// stop or ctx to be done. The RPC shutdown is bounded by
// server.shutdown_timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop server in state %s", apperrors.ErrServerInvalidState, s.state)
	}
	s.state = StateStopping
	cancel := s.cancel
	srv := s.rpc
	limiter := s.limiter
	s.mu.Unlock()

	s.emitStateChange(StateRunning, StateStopping)
	s.logger.Info("stopping server")

	if srv != nil {
		stopCtx, stopCancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
		if err := srv.StopWithContext(stopCtx); err != nil {
			s.logger.Warn("RPC server did not stop in time", "error", err)
		}
		stopCancel()
	}
	if limiter != nil {
		limiter.Close()
	}

	s.OnStop(ctx)

	if cancel != nil {
		cancel()
	}

	select {
	case <-s.done:
		s.logger.Info("server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortStart cancels a failed start and leaves the server stopped.
func (s *Server) abortStart(cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	s.state = StateStopped
	close(s.done)
	s.mu.Unlock()
}

// State returns the current state of the server.
func (s *Server) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StateName returns the current state as a string.
func (s *Server) StateName() string {
	return s.State().String()
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.config.Server.Name
}

// Version returns the software version.
func (s *Server) Version() string {
	return version.Full()
}

// Config returns the server's configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Pool returns the memory client pool.
func (s *Server) Pool() *pool.Pool {
	return s.pool
}

// Done returns a channel that is closed when the server has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// StartedAt returns when the server was started.
// Returns zero time if not started.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// RPCAuthToken returns the token TCP clients authenticate with, or "" when
// RPC is disabled.
func (s *Server) RPCAuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rpc == nil {
		return ""
	}
	return s.rpc.AuthToken()
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (s *Server) SetOnStateChange(callback func(oldState, newState ServerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = callback
}

// SetOnError sets a callback for error events.
func (s *Server) SetOnError(callback func(err error, message string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

func (s *Server) emitStateChange(oldState, newState ServerState) {
	s.mu.RLock()
	callback := s.onStateChange
	s.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (s *Server) emitError(err error, message string) {
	s.mu.RLock()
	callback := s.onError
	s.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
