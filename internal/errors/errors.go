// Package errors provides error codes and failure classification for the sync core.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode identifies a class of failure surfaced to callers and the status API.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrTransient    ErrorCode = "TRANSIENT_ERROR"
	ErrSyncConflict ErrorCode = "SYNC_CONFLICT"
	ErrFatal        ErrorCode = "FATAL_ERROR"
	ErrSyncTimeout  ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline  ErrorCode = "SYNC_OFFLINE"
)

// Kind is the retry classification of a failure.
type Kind string

const (
	KindTransient Kind = "transient"
	KindConflict  Kind = "conflict"
	KindFatal     Kind = "fatal"
	KindStorage   Kind = "storage"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Transient marks err as retryable.
func Transient(message string, err error) *AppError {
	return Wrap(ErrTransient, message, err)
}

// Fatal marks err as permanent: the item will not be retried automatically.
func Fatal(message string, err error) *AppError {
	return Wrap(ErrFatal, message, err)
}

// Storage wraps a persistence failure for operation op.
func Storage(op string, err error) *AppError {
	return Wrap(ErrStorage, op, err)
}

// NotFound reports a missing record.
func NotFound(what, id string) *AppError {
	return New(ErrNotFound, fmt.Sprintf("%s %q not found", what, id))
}

// Validation reports rejected input.
func Validation(message string, err error) *AppError {
	return Wrap(ErrValidation, message, err)
}

// ConflictError is returned by a transport when the backend holds a newer or
// divergent version of the entity. It carries the remote state needed to
// resolve the conflict.
type ConflictError struct {
	EntityID        string
	RemoteVersion   string
	RemoteTimestamp time.Time
	RemoteData      json.RawMessage
	Err             error
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("[%s] remote conflict on %s", ErrSyncConflict, e.EntityID)
	if e.RemoteVersion != "" {
		msg += fmt.Sprintf(" (remote version %s)", e.RemoteVersion)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConflictError) Unwrap() error {
	return e.Err
}

// AsConflict extracts a ConflictError from err's chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Classify maps err to a retry classification. Unknown errors and deadlines
// are transient; nil yields the empty kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if _, ok := AsConflict(err); ok {
		return KindConflict
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Code {
		case ErrSyncConflict:
			return KindConflict
		case ErrFatal, ErrValidation:
			return KindFatal
		case ErrStorage, ErrMigration:
			return KindStorage
		default:
			return KindTransient
		}
	}

	return KindTransient
}

// CodeOf returns the code of the first AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	if _, ok := AsConflict(err); ok {
		return ErrSyncConflict
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrSyncTimeout
	}
	return ErrInternal
}
