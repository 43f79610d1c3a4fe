package errs

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a domain-level failure in a machine-readable way.
type ErrorCode string

const (
	CodeNotFound                      ErrorCode = "NOT_FOUND"
	CodeFeatureNotFoundInSubscription ErrorCode = "FEATURE_NOT_FOUND_IN_SUBSCRIPTION"
	CodeFeatureHasNoUsageRecord       ErrorCode = "FEATURE_HAS_NO_USAGE_RECORD"
	CodeUsageExceeded                 ErrorCode = "USAGE_EXCEEDED"
	CodeUnhandledError                ErrorCode = "UNHANDLED_ERROR"
)

// CustomerError is a domain error surfaced to the calling layer. It is not
// necessarily retryable.
type CustomerError struct {
	Code    ErrorCode
	Message string
}

func (e *CustomerError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCustomerError creates a CustomerError with a formatted message.
func NewCustomerError(code ErrorCode, format string, args ...interface{}) *CustomerError {
	return &CustomerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code ErrorCode) bool {
	var ce *CustomerError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// FetchError wraps a retryable upstream failure (cache tier, relational
// store or analytics store I/O). Callers may retry the whole operation.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed during %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err as a retryable fetch failure.
func NewFetchError(op string, err error) *FetchError {
	return &FetchError{Op: op, Err: err}
}

// IsFetchError reports whether err is (or wraps) a retryable fetch failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
