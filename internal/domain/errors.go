package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Public taxonomy returned by the engine.
var (
	ErrConcurrencyExhausted = errors.New("concurrency exhausted")
	ErrInvalidTimestamp     = errors.New("invalid timestamp")
	ErrRateLimited          = errors.New("rate limited")
	ErrBlocked              = errors.New("blocked")
	ErrUsageCapExceeded     = errors.New("usage cap exceeded")
	ErrAutomatedBehavior    = errors.New("automated behavior detected")
	ErrInvalidFingerprint   = errors.New("invalid fingerprint")
	ErrInvalidOperation     = errors.New("invalid operation")
)

// Storage sentinels shared by every repository implementation.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("already exists")
)

// RejectionError is the structured result of a request refused by the gate.
type RejectionError struct {
	Violations     []Violation
	RetryAfter     time.Duration
	BlockExpiresAt time.Time
}

func (e *RejectionError) Error() string {
	types := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		types = append(types, string(v.Type))
	}
	return fmt.Sprintf("security: operation rejected (%s)", strings.Join(types, ", "))
}

// Unwrap exposes one taxonomy error per violation so errors.Is works on the result.
// Automated behaviour is handled as a block.
func (e *RejectionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Violations)+1)
	seen := make(map[error]bool)
	add := func(err error) {
		if !seen[err] {
			seen[err] = true
			errs = append(errs, err)
		}
	}
	for _, v := range e.Violations {
		add(v.Type.Err())
		if v.Type == ViolationAutomatedBehavior {
			add(ErrBlocked)
		}
	}
	return errs
}

// Has reports whether the rejection carries a violation of the given type.
func (e *RejectionError) Has(t ViolationType) bool {
	for _, v := range e.Violations {
		if v.Type == t {
			return true
		}
	}
	return false
}

// OperationalError wraps unexpected storage failures. It is never retried inside the engine.
type OperationalError struct {
	Op  string
	Err error
}

func (e *OperationalError) Error() string {
	return fmt.Sprintf("operational: %s: %v", e.Op, e.Err)
}

func (e *OperationalError) Unwrap() error { return e.Err }
