// Package rpc provides JSON-RPC over Unix socket and TCP for memkeep.
// It exposes saving, listing and searching memories, along with server
// status, pool statistics and metrics, to external clients.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes. The first five are the JSON-RPC 2.0 codes; the rest are
// memkeep's own.
const (
	ErrCodeParse            = -32700
	ErrCodeInvalidRequest   = -32600
	ErrCodeMethodNotFound   = -32601
	ErrCodeInvalidParams    = -32602
	ErrCodeInternal         = -32603
	ErrCodeAuthRequired     = -32001
	ErrCodePermissionDenied = -32002
	ErrCodeNotFound         = -32003
)

var codeMessages = map[int]string{
	ErrCodeParse:            "parse error",
	ErrCodeInvalidRequest:   "invalid request",
	ErrCodeMethodNotFound:   "method not found",
	ErrCodeInvalidParams:    "invalid params",
	ErrCodeInternal:         "internal error",
	ErrCodeAuthRequired:     "authentication required",
	ErrCodePermissionDenied: "permission denied",
	ErrCodeNotFound:         "not found",
}

// Request is one line sent by a client.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	// ID is echoed in the response. Requests that fail to parse are
	// answered without one.
	ID json.RawMessage `json:"id,omitempty"`
}

// Response is one line sent by the server. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Error is a JSON-RPC fault. Memory operations that fail do not produce one;
// they answer with an error message as their result.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewError creates an Error.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// fault builds an Error with the standard message for code.
func fault(code int, data any) *Error {
	return NewError(code, codeMessages[code], data)
}

// NewErrorResponse answers request id with err.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", Error: err, ID: id}
}

// NewSuccessResponse answers request id with result.
func NewSuccessResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: id}
}

// ValidateRequest checks the envelope of a decoded request.
func ValidateRequest(req *Request) error {
	if req.JSONRPC != "2.0" {
		return errors.New(`jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return errors.New("method is required")
	}
	return nil
}

// Fault constructors for the codes above.

func ErrMethodNotFound(method string) *Error { return fault(ErrCodeMethodNotFound, method) }
func ErrInvalidParams(details string) *Error { return fault(ErrCodeInvalidParams, details) }
func ErrInternal(details string) *Error { return fault(ErrCodeInternal, details) }
func ErrAuthRequired() *Error { return fault(ErrCodeAuthRequired, nil) }
func ErrPermissionDenied(details string) *Error { return fault(ErrCodePermissionDenied, details) }
func ErrNotFound(resource string) *Error { return fault(ErrCodeNotFound, resource) }

// Method names.
const (
	MethodAuth         = "auth"
	MethodStatus       = "status"
	MethodPoolStats    = "pool.stats"
	MethodMetrics      = "metrics"
	MethodMemorySave   = "memory.save"
	MethodMemoryList   = "memory.list"
	MethodMemorySearch = "memory.search"
)

// DefaultSearchLimit is the number of memories "memory.search" returns when
// the request has no limit.
const DefaultSearchLimit = 3

// MemorySaveParams is the request for "memory.save" method.
type MemorySaveParams struct {
	// Text is the content to remember
	Text string `json:"text"`
	// UserID owns the memory (defaults to "user")
	UserID string `json:"user_id,omitempty"`
}

// MemoryListParams is the request for "memory.list" method.
type MemoryListParams struct {
	UserID string `json:"user_id,omitempty"`
}

// MemorySearchParams is the request for "memory.search" method.
type MemorySearchParams struct {
	// Query is the text to search for
	Query string `json:"query"`
	// Limit is the maximum number of results (defaults to 3)
	Limit int `json:"limit,omitempty"`
	// UserID restricts the search to one user's memories
	UserID string `json:"user_id,omitempty"`
}

// The memory methods return a single string: a confirmation for
// "memory.save", a pretty-printed JSON array of texts for "memory.list" and
// "memory.search", or a message starting with "Error" when the operation
// failed.

// StatusResult is the response for "status" method.
type StatusResult struct {
	// Name is the configured server name
	Name string `json:"name"`
	// State is the server state (running, stopped, etc.)
	State string `json:"state"`
	// Uptime is how long the server has been running
	Uptime string `json:"uptime"`
	// Version is the software version
	Version string `json:"version"`
	// PoolEntries is the number of live memory clients
	PoolEntries int `json:"pool_entries"`
	// DatabaseSessions is the session count reported by the database,
	// -1 when it could not be determined
	DatabaseSessions int `json:"database_sessions"`
}

// PoolStatsResult is the response for "pool.stats" method.
type PoolStatsResult struct {
	MaxSize        int      `json:"max_size"`
	Entries        int      `json:"entries"`
	Draining       int      `json:"draining"`
	Refs           int      `json:"refs"`
	Acquires       uint64   `json:"acquires"`
	AcquireFailed  uint64   `json:"acquire_failed"`
	Created        uint64   `json:"created"`
	Releases       uint64   `json:"releases"`
	Evictions      uint64   `json:"evictions"`
	TeardownErrors uint64   `json:"teardown_errors"`
	Reclaimer      string   `json:"reclaimer"`
	Keys           []string `json:"keys"`
}

// MetricsResult is the response for "metrics" method.
type MetricsResult struct {
	// Text is the Prometheus exposition of all metrics
	Text string `json:"text"`
}
