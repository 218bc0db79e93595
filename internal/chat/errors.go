package chat

import (
	"fmt"
	"time"
)

// Error codes carried by AdapterError and its specializations.
const (
	CodeLock           = "lock"
	CodeRateLimit      = "rate_limit"
	CodeNotImplemented = "not_implemented"
	CodeValidation     = "validation"
	CodeAuthentication = "authentication"
	CodePermission     = "permission"
	CodeNotFound       = "not_found"
	CodeNetwork        = "network"
	CodeAdapter        = "adapter"
)

// AdapterError is the base error for everything an adapter surfaces.
// Specializations embed it so errors.As can match either the concrete
// type or *AdapterError.
type AdapterError struct {
	Adapter string // adapter name, "" when not adapter-specific
	Code    string
	Message string
	Cause   error
}

func (e *AdapterError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Adapter != "" {
		msg = e.Adapter + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// LockError reports that the per-thread lease could not be acquired:
// another dispatcher owns the thread right now.
type LockError struct {
	AdapterError
	ThreadID string
}

// NewLockError builds a LockError for the given thread.
func NewLockError(threadID string) *LockError {
	return &LockError{
		AdapterError: AdapterError{Code: CodeLock, Message: "thread lease held elsewhere"},
		ThreadID:     threadID,
	}
}

// RateLimitError reports a 429 from a platform API. RetryAfter is zero
// when the platform did not say.
type RateLimitError struct {
	AdapterError
	RetryAfter time.Duration
}

// NewRateLimitError builds a RateLimitError for the given adapter.
func NewRateLimitError(adapter string, retryAfter time.Duration, cause error) *RateLimitError {
	return &RateLimitError{
		AdapterError: AdapterError{Adapter: adapter, Code: CodeRateLimit, Message: "rate limited", Cause: cause},
		RetryAfter:   retryAfter,
	}
}

// NotImplementedError reports a capability the platform does not offer
// (e.g. reactions on Teams).
type NotImplementedError struct {
	AdapterError
	Feature string
}

// NewNotImplementedError builds a NotImplementedError for a feature.
func NewNotImplementedError(adapter, feature string) *NotImplementedError {
	return &NotImplementedError{
		AdapterError: AdapterError{Adapter: adapter, Code: CodeNotImplemented, Message: feature + " not supported"},
		Feature:      feature,
	}
}

// ValidationError reports malformed input handed to an adapter, most
// commonly a thread ID that fails to decode.
type ValidationError struct {
	AdapterError
}

// NewValidationError builds a ValidationError with a message.
func NewValidationError(adapter, message string) *ValidationError {
	return &ValidationError{
		AdapterError: AdapterError{Adapter: adapter, Code: CodeValidation, Message: message},
	}
}

// AuthenticationError reports a 401 from a platform API or a failed
// webhook signature check.
type AuthenticationError struct {
	AdapterError
}

// NewAuthenticationError builds an AuthenticationError.
func NewAuthenticationError(adapter string, cause error) *AuthenticationError {
	return &AuthenticationError{
		AdapterError: AdapterError{Adapter: adapter, Code: CodeAuthentication, Message: "authentication failed", Cause: cause},
	}
}

// PermissionError reports a 403 from a platform API.
type PermissionError struct {
	AdapterError
}

// NewPermissionError builds a PermissionError.
func NewPermissionError(adapter string, cause error) *PermissionError {
	return &PermissionError{
		AdapterError: AdapterError{Adapter: adapter, Code: CodePermission, Message: "permission denied", Cause: cause},
	}
}

// ResourceNotFoundError reports a 404 from a platform API.
type ResourceNotFoundError struct {
	AdapterError
}

// NewResourceNotFoundError builds a ResourceNotFoundError.
func NewResourceNotFoundError(adapter, resource string) *ResourceNotFoundError {
	return &ResourceNotFoundError{
		AdapterError: AdapterError{Adapter: adapter, Code: CodeNotFound, Message: resource + " not found"},
	}
}

// NetworkError reports a transport-level failure reaching a platform.
type NetworkError struct {
	AdapterError
}

// NewNetworkError builds a NetworkError wrapping the transport failure.
func NewNetworkError(adapter string, cause error) *NetworkError {
	return &NetworkError{
		AdapterError: AdapterError{Adapter: adapter, Code: CodeNetwork, Message: "network failure", Cause: cause},
	}
}
