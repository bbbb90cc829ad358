package ledger

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed event or an out-of-bounds timestamp.
// It is raised before any state is touched and is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
	Value  interface{}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for field '%s': %s (value: %v)", e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Reason)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NewValidationErrorWithValue creates a new ValidationError with a value
func NewValidationErrorWithValue(field, reason string, value interface{}) error {
	return &ValidationError{Field: field, Reason: reason, Value: value}
}

// ConflictKind classifies a ConflictError.
type ConflictKind string

const (
	ConflictDuplicate     ConflictKind = "duplicate"
	ConflictChainBreak    ConflictKind = "chain_break"
	ConflictSerialization ConflictKind = "serialization"
)

// ConflictError is returned when an append cannot be applied on top of the
// current chain head. It always names the last accepted sequence number and
// hash so the caller can resynchronize.
type ConflictError struct {
	Kind          ConflictKind
	Reason        string
	LastSeqNo     int64
	LastEventHash string
	Err           error
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s (last seq %d, last hash %s)", e.Kind, e.Reason, e.LastSeqNo, e.LastEventHash)
}

// Unwrap returns the underlying error
func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting the same event may succeed.
// Chain breaks are real integrity problems and are never retryable.
func (e *ConflictError) Retryable() bool {
	return e.Kind == ConflictSerialization
}

// IntegrityError reports a hash, HMAC or signature mismatch found during
// verification, with the exact failure point.
type IntegrityError struct {
	SeqNo  int64
	Reason string
}

// Error implements the error interface
func (e *IntegrityError) Error() string {
	if e.SeqNo > 0 {
		return fmt.Sprintf("integrity failure at seq %d: %s", e.SeqNo, e.Reason)
	}
	return fmt.Sprintf("integrity failure: %s", e.Reason)
}

// CapacityError is the fail-closed answer for chains too long to verify
// directly; callers should use a proof bundle or checkpoint-anchored verification.
type CapacityError struct {
	Length int64
	Limit  int64
}

// Error implements the error interface
func (e *CapacityError) Error() string {
	return fmt.Sprintf("chain length %d exceeds direct verification limit %d: request a proof bundle or checkpoint verification instead", e.Length, e.Limit)
}

// IsRetryable reports whether err is a transient serialization conflict.
func IsRetryable(err error) bool {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Retryable()
	}
	return false
}
