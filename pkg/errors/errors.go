// Package errors defines the structured error values used across the OAuth
// broker. Every failure that can surface on the callback path carries one of
// the types below; the type doubles as the error code recorded in audit and
// monitoring records, so the constants are part of the public contract.
package errors

import (
	"fmt"
	"net/http"
)

// Error types surfaced by the callback pipeline and the authenticated routes.
const (
	// ErrProviderError is returned when the provider redirected back with an error parameter
	ErrProviderError = "PROVIDER_ERROR"

	// ErrMissingParameters is returned when the callback lacks code or state
	ErrMissingParameters = "MISSING_PARAMETERS"

	// ErrInvalidState is returned when the state parameter is absent or does not match the stored flow
	ErrInvalidState = "INVALID_STATE"

	// ErrStateDecodeError is returned when the state parameter cannot be decoded
	ErrStateDecodeError = "STATE_DECODE_ERROR"

	// ErrInvalidStateStructure is returned when a decoded state is missing fields or has malformed ids
	ErrInvalidStateStructure = "INVALID_STATE_STRUCTURE"

	// ErrStateExpired is returned when the state timestamp is outside the accepted window
	ErrStateExpired = "STATE_EXPIRED"

	// ErrInvalidNonce is returned when the state nonce is too short or uses a bad alphabet
	ErrInvalidNonce = "INVALID_NONCE"

	// ErrIntegrationNotFound is returned when no integration exists for the referenced tenant
	ErrIntegrationNotFound = "INTEGRATION_NOT_FOUND"

	// ErrAlreadyConfigured is returned when the integration already holds live tokens
	ErrAlreadyConfigured = "ALREADY_CONFIGURED"

	// ErrProviderUnavailable is returned when the referenced provider entry is missing
	ErrProviderUnavailable = "PROVIDER_UNAVAILABLE"

	// ErrProviderDisabled is returned when the referenced provider entry is inactive
	ErrProviderDisabled = "PROVIDER_DISABLED"

	// ErrInvalidPKCEParameters is returned when the stored PKCE material fails validation
	ErrInvalidPKCEParameters = "INVALID_PKCE_PARAMETERS"

	// ErrInvalidRedirectURI is returned when the callback redirect URI violates policy
	ErrInvalidRedirectURI = "INVALID_REDIRECT_URI"

	// ErrRedirectURIMismatch is returned when the constructed URI differs from the registered one
	ErrRedirectURIMismatch = "REDIRECT_URI_MISMATCH"

	// ErrValidationError is returned for malformed input on authenticated routes
	ErrValidationError = "VALIDATION_ERROR"

	// ErrInternalError is returned for unexpected failures
	ErrInternalError = "INTERNAL_ERROR"
)

// Error represents an error in the broker. Status, when non-zero, overrides
// the default HTTP mapping for the type (used to pass through provider token
// endpoint statuses).
type Error struct {
	// Type is the error type
	Type string

	// Message is the internal error message; never shown to end users
	Message string

	// Status is an explicit HTTP status, or 0 for the type default
	Status int

	// ProviderCode is the RFC 6749 error code returned by a provider token
	// endpoint, when one was present
	ProviderCode string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status authenticated routes should respond with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Type {
	case ErrMissingParameters, ErrInvalidState, ErrStateDecodeError, ErrInvalidStateStructure,
		ErrStateExpired, ErrInvalidNonce, ErrInvalidPKCEParameters, ErrInvalidRedirectURI,
		ErrRedirectURIMismatch, ErrValidationError, ErrProviderDisabled:
		return http.StatusBadRequest
	case ErrIntegrationNotFound, ErrProviderUnavailable:
		return http.StatusNotFound
	case ErrAlreadyConfigured:
		return http.StatusConflict
	case ErrProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KnownCode reports whether code is one of the error codes defined by this
// package. Monitoring uses it to prove that stored attempt records only ever
// carry catalogued codes.
func KnownCode(code string) bool {
	switch code {
	case ErrProviderError, ErrMissingParameters, ErrInvalidState, ErrStateDecodeError,
		ErrInvalidStateStructure, ErrStateExpired, ErrInvalidNonce, ErrIntegrationNotFound,
		ErrAlreadyConfigured, ErrProviderUnavailable, ErrProviderDisabled,
		ErrInvalidPKCEParameters, ErrInvalidRedirectURI, ErrRedirectURIMismatch,
		ErrValidationError, ErrInternalError:
		return true
	}
	return false
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewErrorWithStatus creates a new error carrying an explicit HTTP status.
func NewErrorWithStatus(errorType, message string, status int, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Status:  status,
		Cause:   cause,
	}
}

// NewProviderError creates a new provider error
func NewProviderError(message string, cause error) *Error {
	return NewError(ErrProviderError, message, cause)
}

// NewProviderTokenError creates a provider error for a failed token endpoint
// call, carrying the provider's RFC 6749 error code and response status.
func NewProviderTokenError(providerCode, message string, status int, cause error) *Error {
	return &Error{
		Type:         ErrProviderError,
		Message:      message,
		Status:       status,
		ProviderCode: providerCode,
		Cause:        cause,
	}
}

// NewMissingParametersError creates a new missing parameters error
func NewMissingParametersError(message string) *Error {
	return NewError(ErrMissingParameters, message, nil)
}

// NewInvalidStateError creates a new invalid state error
func NewInvalidStateError(message string) *Error {
	return NewError(ErrInvalidState, message, nil)
}

// NewStateDecodeError creates a new state decode error
func NewStateDecodeError(message string, cause error) *Error {
	return NewError(ErrStateDecodeError, message, cause)
}

// NewInvalidStateStructureError creates a new invalid state structure error
func NewInvalidStateStructureError(message string) *Error {
	return NewError(ErrInvalidStateStructure, message, nil)
}

// NewStateExpiredError creates a new state expired error
func NewStateExpiredError(message string) *Error {
	return NewError(ErrStateExpired, message, nil)
}

// NewInvalidNonceError creates a new invalid nonce error
func NewInvalidNonceError(message string) *Error {
	return NewError(ErrInvalidNonce, message, nil)
}

// NewIntegrationNotFoundError creates a new integration not found error
func NewIntegrationNotFoundError(message string) *Error {
	return NewError(ErrIntegrationNotFound, message, nil)
}

// NewAlreadyConfiguredError creates a new already configured error
func NewAlreadyConfiguredError(message string) *Error {
	return NewError(ErrAlreadyConfigured, message, nil)
}

// NewProviderUnavailableError creates a new provider unavailable error
func NewProviderUnavailableError(message string) *Error {
	return NewError(ErrProviderUnavailable, message, nil)
}

// NewProviderDisabledError creates a new provider disabled error
func NewProviderDisabledError(message string) *Error {
	return NewError(ErrProviderDisabled, message, nil)
}

// NewInvalidPKCEParametersError creates a new invalid PKCE parameters error
func NewInvalidPKCEParametersError(message string) *Error {
	return NewError(ErrInvalidPKCEParameters, message, nil)
}

// NewInvalidRedirectURIError creates a new invalid redirect URI error
func NewInvalidRedirectURIError(message string) *Error {
	return NewError(ErrInvalidRedirectURI, message, nil)
}

// NewRedirectURIMismatchError creates a new redirect URI mismatch error
func NewRedirectURIMismatchError(message string) *Error {
	return NewError(ErrRedirectURIMismatch, message, nil)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidationError, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternalError, message, cause)
}

// IsIntegrationNotFound checks if the error is an integration not found error
func IsIntegrationNotFound(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrIntegrationNotFound
}

// IsAlreadyConfigured checks if the error is an already configured error
func IsAlreadyConfigured(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrAlreadyConfigured
}

// IsStateExpired checks if the error is a state expired error
func IsStateExpired(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrStateExpired
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrValidationError
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrInternalError
}

// TypeOf returns the broker error type for err, or ErrInternalError when err
// is not a broker error.
func TypeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Type
	}
	return ErrInternalError
}
