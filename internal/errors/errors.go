// Package errors provides the error code taxonomy shared by the store, the sync engine and the API.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable and surface in API responses.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Store errors
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrConstraint  ErrorCode = "CONSTRAINT_VIOLATION"
	ErrConsistency ErrorCode = "CONSISTENCY_ERROR"

	// Sync errors
	ErrTransport      ErrorCode = "TRANSPORT_ERROR"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrPendingSync    ErrorCode = "PENDING_SYNC"
	ErrRemoteNewer    ErrorCode = "REMOTE_NEWER"

	// Backup errors
	ErrInvalidFormat   ErrorCode = "INVALID_FORMAT"
	ErrExportFailed    ErrorCode = "EXPORT_FAILED"
	ErrImportFailed    ErrorCode = "IMPORT_FAILED"
	ErrInvalidPassword ErrorCode = "INVALID_PASSWORD"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
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
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNotFound checks for ErrNotFound.
func IsNotFound(err error) bool { return Is(err, ErrNotFound) }

// IsConstraint checks for ErrConstraint.
func IsConstraint(err error) bool { return Is(err, ErrConstraint) }

// IsTransport checks for ErrTransport.
func IsTransport(err error) bool { return Is(err, ErrTransport) }

// IsConsistency checks for ErrConsistency.
func IsConsistency(err error) bool { return Is(err, ErrConsistency) }

// IsInvalidFormat checks for ErrInvalidFormat.
func IsInvalidFormat(err error) bool { return Is(err, ErrInvalidFormat) }
