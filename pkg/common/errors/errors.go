package errors

import "errors"

// Common error types used across the stageflow library

var (
	// ErrClosed indicates that an operation was attempted on a closed resource
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrCapacityExceeded indicates that a capacity limit was exceeded
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidConfiguration indicates invalid configuration parameters
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrRateLimited indicates that a request was rate limited
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidState indicates a lifecycle operation that the current state does not allow
	ErrInvalidState = errors.New("invalid state")

	// ErrSecurity indicates that an untrusted callable was refused
	ErrSecurity = errors.New("untrusted callable")

	// ErrQueueClaimed indicates that a queue already has a consuming stage
	ErrQueueClaimed = errors.New("queue already has a consumer")
)

// IsRetryable returns true if the error indicates a condition that might
// be resolved by retrying the operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsSecurityError reports whether err is or wraps a *SecurityError.
func IsSecurityError(err error) bool {
	var serr *SecurityError
	return errors.As(err, &serr)
}
