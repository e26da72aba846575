package llm

import (
	"context"
	"errors"
	"fmt"
)

// Error represents a provider-neutral LLM error.
type Error struct {
	Type        ErrorType
	Message     string
	StatusCode  int
	ProviderErr error // Original provider-specific error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeUnknownModel means a user-facing model name did not resolve to
	// a backend identifier.
	ErrorTypeUnknownModel ErrorType = "unknown_model"
	// ErrorTypeBusy means a generation was requested while another one is
	// still in flight for the same conversation.
	ErrorTypeBusy ErrorType = "busy"
	// ErrorTypeTimeout means the backend did not produce a first byte within
	// the bounded threshold, or a request deadline elapsed.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypePreloadFailed means a local model could not be loaded into the
	// inference server before the request.
	ErrorTypePreloadFailed ErrorType = "preload_failed"
	// ErrorTypeBackendRejected covers 4xx-equivalent failures: bad request,
	// authentication, invalid parameters.
	ErrorTypeBackendRejected ErrorType = "backend_rejected"
	// ErrorTypeBackendUnavailable covers network failures and 5xx-equivalent
	// server errors.
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"
	// ErrorTypeCancelled is a user-directed terminal state, not a failure.
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// TypeOf returns the taxonomy type of err, or ErrorTypeBackendUnavailable
// when err is not a *Error. A nil err has no type and returns "".
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeBackendUnavailable
}

// IsBusy checks if an error indicates an in-flight generation conflict.
func IsBusy(err error) bool {
	return TypeOf(err) == ErrorTypeBusy
}

// IsCancelled checks if an error represents user-directed cancellation.
func IsCancelled(err error) bool {
	return TypeOf(err) == ErrorTypeCancelled
}

// IsTimeout checks if an error is a timeout error.
func IsTimeout(err error) bool {
	return TypeOf(err) == ErrorTypeTimeout
}

// NewUnknownModelError creates an error for an unresolvable model name.
func NewUnknownModelError(name string, known []string) *Error {
	return &Error{
		Type:    ErrorTypeUnknownModel,
		Message: fmt.Sprintf("unknown model %q (known: %v)", name, known),
	}
}

// NewBusyError creates an error for a conversation with an in-flight generation.
func NewBusyError(conversationID string) *Error {
	return &Error{
		Type:    ErrorTypeBusy,
		Message: fmt.Sprintf("conversation %s already has a generation in flight", conversationID),
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeTimeout,
		Message:     message,
		ProviderErr: providerErr,
	}
}

// NewPreloadFailedError creates an error for a failed local-model load.
func NewPreloadFailedError(model string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypePreloadFailed,
		Message:     fmt.Sprintf("failed to preload model %s", model),
		ProviderErr: providerErr,
	}
}

// NewBackendRejectedError creates a 4xx-equivalent error.
func NewBackendRejectedError(message string, statusCode int, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeBackendRejected,
		Message:     message,
		StatusCode:  statusCode,
		ProviderErr: providerErr,
	}
}

// NewBackendUnavailableError creates a network/5xx-equivalent error.
func NewBackendUnavailableError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeBackendUnavailable,
		Message:     message,
		ProviderErr: providerErr,
	}
}

// NewCancelledError creates a cancellation marker error.
func NewCancelledError() *Error {
	return &Error{
		Type:    ErrorTypeCancelled,
		Message: "generation cancelled",
	}
}

// FromContextError converts a context termination into a taxonomy error.
// It returns nil for anything other than deadline expiry or cancellation.
func FromContextError(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("request deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewCancelledError()
	default:
		return nil
	}
}
