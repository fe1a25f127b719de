package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// MaxRequestSize is the longest request line a session will read.
	MaxRequestSize = 1024 * 1024

	// ReadTimeout is how long a connection may sit idle between requests.
	ReadTimeout = 10 * time.Second

	// WriteTimeout bounds writing one response.
	WriteTimeout = 10 * time.Second

	// HandlerTimeout bounds a single handler call. Memory methods may call
	// out to an embedding or language model provider.
	HandlerTimeout = 60 * time.Second
)

// Handler serves one RPC method.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// UnixSocketPath is where the owner-only Unix socket is created.
	UnixSocketPath string
	// TCPAddress, if set, adds a TCP listener whose clients must authenticate.
	TCPAddress string
	// AuthFile holds the hex-encoded token for TCP clients. It is created
	// when missing.
	AuthFile string
	// MaxConnections caps concurrent connections (0 = DefaultMaxConnections).
	MaxConnections int
}

// Server serves newline-delimited JSON-RPC 2.0 on a Unix socket, a TCP
// address, or both.
type Server struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners map[string]net.Listener // by network
	sessions  map[*session]struct{}
	running   bool

	token authToken
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server and loads or creates its auth token.
func NewServer(cfg ServerConfig) (*Server, error) {
	max := cfg.MaxConnections
	if max <= 0 {
		max = DefaultMaxConnections
	}

	s := &Server{
		handlers:  make(map[string]Handler),
		listeners: make(map[string]net.Listener),
		sessions:  make(map[*session]struct{}),
		slots:     make(chan struct{}, max),
	}

	if cfg.AuthFile != "" {
		tok, err := loadAuthToken(cfg.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
		s.token = tok
	}
	return s, nil
}

// RegisterHandler registers a handler for an RPC method.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterHandlers registers several handlers at once.
func (s *Server) RegisterHandlers(handlers map[string]Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for method, h := range handlers {
		s.handlers[method] = h
	}
}

func (s *Server) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// Start opens the listeners named in cfg and begins accepting. At least one
// of UnixSocketPath and TCPAddress must be set.
func (s *Server) Start(ctx context.Context, cfg ServerConfig) error {
	if cfg.UnixSocketPath == "" && cfg.TCPAddress == "" {
		return errors.New("no listeners configured")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if cfg.UnixSocketPath != "" {
		if err := s.listen(ctx, "unix", cfg.UnixSocketPath); err != nil {
			s.Stop()
			return err
		}
	}
	if cfg.TCPAddress != "" {
		if err := s.listen(ctx, "tcp", cfg.TCPAddress); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

func (s *Server) listen(ctx context.Context, network, address string) error {
	if network == "unix" {
		os.Remove(address)
		if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
			return fmt.Errorf("creating socket dir: %w", err)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", network, err)
	}
	if network == "unix" {
		if err := os.Chmod(address, 0o600); err != nil {
			ln.Close()
			return fmt.Errorf("chmod socket: %w", err)
		}
	}

	s.mu.Lock()
	s.listeners[network] = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.accept(ctx, &limitListener{Listener: ln, slots: s.slots}, network)

	log.WithField("network", network).
		WithField("address", ln.Addr().String()).
		Info("RPC server listening")
	return nil
}

func (s *Server) accept(ctx context.Context, ln net.Listener, network string) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.WithField("network", network).WithError(err).Error("accept failed")
			}
			return
		}

		ss := newSession(s, conn, network)
		if !s.track(ss) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(ss)
			ss.serve(ctx)
		}()
	}
}

// track registers a session so Stop can close it. It reports false once
// the server is stopping.
func (s *Server) track(ss *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.sessions[ss] = struct{}{}
	return true
}

func (s *Server) untrack(ss *session) {
	s.mu.Lock()
	delete(s.sessions, ss)
	s.mu.Unlock()
}

// Stop closes the listeners and every open connection, then waits for
// in-flight handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, ln := range s.listeners {
		ln.Close()
	}
	for ss := range s.sessions {
		ss.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	log.Info("RPC server stopped")
	return nil
}

// StopWithContext is Stop bounded by ctx. Handlers still running when ctx
// ends are left to finish in the background.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("RPC server stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AuthToken returns the hex-encoded token TCP clients must present, or ""
// when no auth file was configured.
func (s *Server) AuthToken() string {
	if s.token == nil {
		return ""
	}
	return s.token.String()
}

// UnixSocketPath returns the socket path, or "" when not listening on one.
func (s *Server) UnixSocketPath() string {
	return s.addr("unix")
}

// TCPAddress returns the bound TCP address, or "" when not listening on TCP.
func (s *Server) TCPAddress() string {
	return s.addr("tcp")
}

func (s *Server) addr(network string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ln, ok := s.listeners[network]; ok {
		return ln.Addr().String()
	}
	return ""
}

// ActiveConnections returns the number of connections holding a slot.
func (s *Server) ActiveConnections() int {
	return len(s.slots)
}

// MaxConnections returns the connection limit.
func (s *Server) MaxConnections() int {
	return cap(s.slots)
}
