// Package errors defines the sentinel errors shared across memkeep.
//
// Each domain error wraps one of a small set of kinds, so callers can
// branch on the kind without knowing every domain error:
//
//	if apperrors.IsConfiguration(err) { ... }
//
// Memory errors reach clients as the text of the result, so their messages
// must not carry credentials or connection strings.
package errors

import (
	"errors"
	"fmt"
)

// Kinds.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidState  = errors.New("invalid state")
	ErrConfiguration = errors.New("configuration error")
	ErrUnavailable   = errors.New("unavailable")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInternal      = errors.New("internal error")
)

// Pool.
var (
	// ErrTeardown marks a handle whose resources could not be released
	// cleanly. Teardown keeps going; the errors are joined.
	ErrTeardown = fmt.Errorf("pool: teardown: %w", ErrInternal)

	// ErrDiagnosticQuery marks a failed session count. The count is
	// reported as -1.
	ErrDiagnosticQuery = fmt.Errorf("pool: diagnostic query: %w", ErrUnavailable)

	// ErrCircuitOpen is returned for probes skipped by an open breaker.
	ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", ErrUnavailable)
)

// Memory.
var (
	ErrStorageURLRequired  = fmt.Errorf("memory: storage url required: %w", ErrConfiguration)
	ErrUnsupportedStorage  = fmt.Errorf("memory: unsupported storage scheme: %w", ErrConfiguration)
	ErrUnsupportedProvider = fmt.Errorf("memory: unsupported provider: %w", ErrConfiguration)
	ErrEmptyText           = fmt.Errorf("memory: text %w", ErrInvalidInput)
	ErrEmptyQuery          = fmt.Errorf("memory: query %w", ErrInvalidInput)
)

// Server.
var (
	ErrServerInvalidConfig = fmt.Errorf("server: %w", ErrConfiguration)
	ErrServerInvalidState  = fmt.Errorf("server: %w", ErrInvalidState)
)

// RPC.
var (
	ErrRPCUnavailable        = fmt.Errorf("rpc: %w", ErrUnavailable)
	ErrRPCTooManyConnections = errors.New("rpc: too many connections")
)

// IsConfiguration reports whether err stems from bad configuration. Such
// errors do not go away on retry.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsInvalidInput reports whether err was caused by the caller's input.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsUnavailable reports whether err is a backend outage that may clear on
// its own.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }
