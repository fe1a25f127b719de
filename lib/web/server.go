// Package web is an HTTP/JSON gateway in front of the memkeep RPC server.
// It forwards status, pool statistics, metrics and the memory operations to
// a running server over its Unix socket, and adds health probes, per-IP rate
// limiting and CSRF protection for state-changing requests.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/metrics"
	"github.com/memkeep/memkeep/lib/rpc"
)

// DefaultListenAddr is the address the gateway listens on when none is set.
const DefaultListenAddr = "127.0.0.1:8051"

// Config configures the gateway. Only the RPC settings are needed by New;
// the rest have defaults.
type Config struct {
	ListenAddr    string
	RPCSocketPath string
	RPCAuthFile   string
	RateLimit     RateLimitConfig
	Logger        *slog.Logger
}

// Server is the HTTP gateway. It owns its RPC client and closes it on Stop.
type Server struct {
	rpcClient   RPCClient
	csrfManager *CSRFManager
	rateLimiter *RateLimiter
	logger      *slog.Logger
	httpServer  *http.Server

	mu sync.Mutex

	// ln and stopSweep are set while serving.
	ln        net.Listener
	stopSweep context.CancelFunc
}

// New connects to the RPC server over its Unix socket and builds the
// gateway around that connection.
func New(cfg Config) (*Server, error) {
	client, err := rpc.NewClient(rpc.ClientConfig{
		UnixSocketPath: cfg.RPCSocketPath,
		AuthFile:       cfg.RPCAuthFile,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC: %w", err)
	}
	return NewWithClient(cfg, client), nil
}

// NewWithClient builds the gateway around an existing RPC client.
func NewWithClient(cfg Config, client RPCClient) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}

	s := &Server{
		rpcClient:   client,
		csrfManager: NewCSRFManager(),
		logger:      logger.With("component", "web"),
		rateLimiter: NewRateLimiter(cfg.RateLimit, func(ip, path string) {
			metrics.RateLimitRejections.Inc()
			log.WithField("ip", ip).WithField("path", path).Debug("request rate limited")
		}),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      memoryTimeout + 5*time.Second,
		IdleTimeout:       time.Minute,
	}
	return s
}

// routes builds the handler chain: headers and logging, then the rate
// limiter, then CSRF checks, then the mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/csrf-token", s.handleAPICSRFToken)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/pool", s.handleAPIPool)
	mux.HandleFunc("GET /api/memories", s.handleAPIMemoryList)
	mux.HandleFunc("POST /api/memories", s.handleAPIMemorySave)
	mux.HandleFunc("GET /api/memories/search", s.handleAPIMemorySearch)

	mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	mux.HandleFunc("GET /health", s.handleAPIHealth)
	mux.HandleFunc("GET /healthz", s.handleAPILiveness)
	mux.HandleFunc("GET /readyz", s.handleAPIReadiness)

	// Server metrics come over RPC; the gateway's own counters are not
	// exported separately.
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return s.withMiddleware(s.rateLimiter.Middleware(s.csrfManager.CSRFMiddleware(mux)))
}

// Handler returns the full middleware chain, for mounting elsewhere.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves in the background. If binding
// fails the gateway is unusable and its RPC client is closed.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return fmt.Errorf("web gateway already serving on %s: %w", s.ln.Addr(), apperrors.ErrServerInvalidState)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.rateLimiter.Close()
		if cerr := s.rpcClient.Close(); cerr != nil {
			log.WithError(cerr).Warn("closing RPC client after failed listen")
		}
		return fmt.Errorf("listen: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	s.ln, s.stopSweep = ln, stopSweep
	go s.csrfManager.RunCleanup(sweepCtx, time.Hour)
	go s.serve(ln)

	s.logger.Info("web gateway started", "addr", ln.Addr().String())
	return nil
}

func (s *Server) serve(ln net.Listener) {
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("web gateway stopped serving")
	}
}

// Addr is the bound address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests until ctx ends, then closes the RPC
// client. Stopping a gateway that is not serving does nothing.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln, stopSweep := s.ln, s.stopSweep
	s.ln, s.stopSweep = nil, nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	stopSweep()
	s.rateLimiter.Close()

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.rpcClient.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close rpc: %w", cerr))
	}
	if err != nil {
		return err
	}
	s.logger.Info("web gateway stopped")
	return nil
}

// withMiddleware adds hardening headers and a debug line per request.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")

		defer func(start time.Time) {
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
				"remote", r.RemoteAddr, "duration", time.Since(start))
		}(time.Now())
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Debug("writing JSON response")
	}
}

// writeError answers {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
