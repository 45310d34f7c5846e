package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrParse             = errors.New("parse error")
	ErrProvider          = errors.New("embedding provider error")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrIndex             = errors.New("vector index error")
	ErrReporting         = errors.New("status reporting error")
	ErrConflict          = errors.New("job already in progress")
	ErrTimeout           = errors.New("operation timed out")
	ErrInterrupted       = errors.New("job interrupted by shutdown")
)

// AppError tags an underlying cause with one of the sentinel kinds above so
// callers can branch with errors.Is on either.
type AppError struct {
	Err     error
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Err.Error(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

func Wrap(sentinel error, cause error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
		Cause:   cause,
	}
}

// IsRetryable reports whether err is a transient failure that may succeed on
// a later attempt. Validation, parse, missing-blob and dimension errors are
// permanent even when wrapped together with a transient cause.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDimensionMismatch):
		return false
	case errors.Is(err, ErrProvider),
		errors.Is(err, ErrIndex),
		errors.Is(err, ErrReporting),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrInterrupted),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// Kind returns a short, stable label for err suitable for metric labels and
// error message prefixes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrIndex):
		return "index"
	case errors.Is(err, ErrReporting):
		return "reporting"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
