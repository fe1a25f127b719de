package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	rpcTimeout       = 5 * time.Second
	memoryTimeout    = 30 * time.Second
	maxSaveBodyBytes = 64 << 10
)

// handleAPICSRFToken issues a CSRF token. POST requests must carry it in
// the X-CSRF-Token header.
func (s *Server) handleAPICSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.csrfManager.GenerateToken()
	if err != nil {
		log.WithError(err).Error("failed to generate CSRF token")
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	SetCSRFCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
	})
}

// handleAPIStatus returns server status as JSON.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rpcTimeout)
	defer cancel()

	status, err := s.rpcClient.Status(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAPIPool returns memory client pool statistics as JSON.
func (s *Server) handleAPIPool(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rpcTimeout)
	defer cancel()

	stats, err := s.rpcClient.PoolStats(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleMetrics relays the server's Prometheus metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rpcTimeout)
	defer cancel()

	text, err := s.rpcClient.Metrics(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

// MemoryResponse carries the text result of a memory operation. Failed
// operations are reported in Result as well, the same way the RPC server
// reports them. Memories holds the decoded texts when Result is a list.
type MemoryResponse struct {
	Result   string   `json:"result"`
	Memories []string `json:"memories,omitempty"`
}

func newMemoryResponse(result string) MemoryResponse {
	resp := MemoryResponse{Result: result}
	var texts []string
	if strings.HasPrefix(result, "[") && json.Unmarshal([]byte(result), &texts) == nil {
		resp.Memories = texts
	}
	return resp
}

// MemorySaveRequest is the request body for saving a memory.
type MemorySaveRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id,omitempty"`
}

// handleAPIMemorySave saves a memory.
func (s *Server) handleAPIMemorySave(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), memoryTimeout)
	defer cancel()

	var req MemorySaveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSaveBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.rpcClient.SaveMemory(ctx, req.Text, req.UserID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newMemoryResponse(result))
}

// handleAPIMemoryList lists the memories of the user named by ?user_id.
func (s *Server) handleAPIMemoryList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), memoryTimeout)
	defer cancel()

	result, err := s.rpcClient.ListMemories(ctx, r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newMemoryResponse(result))
}

// handleAPIMemorySearch searches memories with ?query, ?limit and ?user_id.
// A missing limit leaves the server default in place.
func (s *Server) handleAPIMemorySearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), memoryTimeout)
	defer cancel()

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	result, err := s.rpcClient.SearchMemories(ctx, q.Get("query"), q.Get("user_id"), limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newMemoryResponse(result))
}

// HealthResponse contains the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
}

// handleAPIHealth reports the health of the RPC connection and the
// database behind it.
func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rpcTimeout)
	defer cancel()

	checks := make(map[string]string)
	overallStatus := "healthy"

	version := s.checkRPCHealth(ctx, checks, &overallStatus)
	if overallStatus == "healthy" {
		s.checkPoolHealth(ctx, checks)
	}

	resp := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version,
		Checks:    checks,
	}

	httpStatus := http.StatusOK
	if overallStatus != "healthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}

// checkRPCHealth verifies the RPC connection and server state, and returns
// the server version when it is reachable.
func (s *Server) checkRPCHealth(ctx context.Context, checks map[string]string, overallStatus *string) string {
	status, err := s.rpcClient.Status(ctx)
	if err != nil {
		checks["rpc"] = "unhealthy: " + err.Error()
		*overallStatus = "unhealthy"
		return ""
	}

	checks["rpc"] = "healthy"
	if status.State != "running" {
		checks["server"] = status.State
		*overallStatus = "unhealthy"
	} else {
		checks["server"] = "healthy"
	}

	if status.DatabaseSessions < 0 {
		checks["database"] = "unknown"
	} else {
		checks["database"] = "healthy"
	}
	return status.Version
}

// checkPoolHealth reports whether the pool holds any memory client.
func (s *Server) checkPoolHealth(ctx context.Context, checks map[string]string) {
	stats, err := s.rpcClient.PoolStats(ctx)
	if err != nil {
		checks["pool"] = "unknown"
		return
	}
	switch {
	case stats.Entries == 0:
		checks["pool"] = "empty"
	case stats.Entries >= stats.MaxSize:
		checks["pool"] = "full"
	default:
		checks["pool"] = "healthy"
	}
}

// handleAPILiveness reports that the gateway is responding.
func (s *Server) handleAPILiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// handleAPIReadiness reports whether the RPC server answers.
func (s *Server) handleAPIReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.rpcClient.Status(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "rpc_unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
