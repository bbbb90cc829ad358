package database

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"track-record-engine/ledger"
	"track-record-engine/storage"
)

// DBError represents a database operation error with context
type DBError struct {
	Operation string
	Err       error
}

// Error implements the error interface
func (e *DBError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *DBError) Unwrap() error {
	return e.Err
}

// NotFoundError represents a resource not found error. It matches
// storage.ErrNotFound under errors.Is.
type NotFoundError struct {
	Resource string
	ID       interface{}
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s not found: %v", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is reports storage.ErrNotFound as equivalent.
func (e *NotFoundError) Is(target error) bool {
	return target == storage.ErrNotFound
}

// WrapDBError wraps a database error with operation context. Record-not-found
// becomes a *NotFoundError.
func WrapDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Resource: operation}
	}
	return &DBError{
		Operation: operation,
		Err:       errors.WithStack(err),
	}
}

// NewNotFoundErrorWithID creates a new NotFoundError with an ID
func NewNotFoundErrorWithID(resource string, id interface{}) error {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// Codes that mean a concurrent transaction won: serialization_failure,
// deadlock_detected and unique_violation (two writers inserting the same
// chain position).
var retryableCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"23505": true,
}

// isSerializationFailure recognizes lost write races from lib/pq, pgx and SQLite.
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableCodes[string(pqErr.Code)]
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableCodes[pgErr.Code]
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unique constraint failed")
}

// isUniqueViolation reports duplicate key errors outside the ledger write path.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "duplicate key")
}

// serializationConflict converts a lost race into the retryable ledger error.
func serializationConflict(err error) error {
	return &ledger.ConflictError{
		Kind:   ledger.ConflictSerialization,
		Reason: "concurrent write to the same instance",
		Err:    err,
	}
}
