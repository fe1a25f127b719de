// Package validation checks RPC and configuration input before it reaches
// the memory clients. Every check returns nil or a *FieldError whose message
// is safe to hand back to a client.
package validation

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Failure kinds, for errors.Is.
var (
	ErrRequired      = errors.New("field is required")
	ErrTooLong       = errors.New("value exceeds maximum length")
	ErrInvalidFormat = errors.New("invalid format")
	ErrOutOfRange    = errors.New("value out of range")
)

const (
	MaxMemoryTextLength = 16 * 1024
	MaxQueryLength      = 2048
	MaxUserIDLength     = 128
	MaxSearchLimit      = 100
	MaxServerNameLength = 64
)

// A user ID starts with a letter or digit; after that ._@- are allowed too.
var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.@-]*$`)

// FieldError reports which field failed and why.
type FieldError struct {
	Field  string
	Reason string
	Kind   error
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *FieldError) Unwrap() error { return e.Kind }

func fail(field string, kind error, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...), Kind: kind}
}

// Required rejects empty and all-whitespace strings.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fail(field, ErrRequired, "is required")
	}
	return nil
}

// MaxLength counts runes, not bytes.
func MaxLength(field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return fail(field, ErrTooLong, "exceeds maximum length of %d characters", limit)
	}
	return nil
}

// IntRange accepts lo <= value <= hi.
func IntRange(field string, value, lo, hi int) error {
	if value < lo || value > hi {
		return fail(field, ErrOutOfRange, "must be between %d and %d", lo, hi)
	}
	return nil
}

func Positive(field string, value int) error {
	if value <= 0 {
		return fail(field, ErrOutOfRange, "must be positive")
	}
	return nil
}

func NonNegative(field string, value int) error {
	if value < 0 {
		return fail(field, ErrOutOfRange, "must be non-negative")
	}
	return nil
}

func Port(field string, value int) error {
	return IntRange(field, value, 1, 65535)
}

// HostPort accepts anything net.SplitHostPort does, so ":8050" is fine.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fail(field, ErrInvalidFormat, "must be in host:port format")
	}
	return nil
}

// boundedText is Required followed by MaxLength.
func boundedText(field, value string, limit int) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MaxLength(field, value, limit)
}

func MemoryText(field, value string) error {
	return boundedText(field, value, MaxMemoryTextLength)
}

func Query(field, value string) error {
	return boundedText(field, value, MaxQueryLength)
}

func ServerName(field, value string) error {
	return boundedText(field, value, MaxServerNameLength)
}

// UserID allows the empty string, which selects the default user.
func UserID(field, value string) error {
	if value == "" {
		return nil
	}
	if err := MaxLength(field, value, MaxUserIDLength); err != nil {
		return err
	}
	if !userIDPattern.MatchString(value) {
		return fail(field, ErrInvalidFormat,
			"must start with a letter or digit and contain only letters, digits, '.', '_', '@' and '-'")
	}
	return nil
}

func SearchLimit(field string, value int) error {
	return IntRange(field, value, 1, MaxSearchLimit)
}

// All returns the first failing check. Later checks are not run.
func All(checks ...func() error) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// Errors gathers every failure of a multi-field check, such as a whole
// configuration file.
type Errors []error

// Add ignores nil.
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

func (e Errors) HasErrors() bool { return len(e) > 0 }

func (e Errors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "multiple validation errors: " + strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is and errors.As see every gathered failure.
func (e Errors) Unwrap() []error { return e }
