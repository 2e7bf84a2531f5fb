package errors

// genericMessages maps error types — and the OAuth token endpoint error codes
// a provider may return — to user-safe text. The callback redirects carry only
// these messages; internal details stay in logs and audit records.
var genericMessages = map[string]string{
	ErrProviderError:         "Authorization failed, please try again",
	ErrMissingParameters:     "Invalid request, please try again",
	ErrInvalidState:          "Invalid request, please try again",
	ErrStateDecodeError:      "Invalid request, please try again",
	ErrInvalidStateStructure: "Invalid request, please try again",
	ErrStateExpired:          "Request has expired, please try again",
	ErrInvalidNonce:          "Invalid request, please try again",
	ErrIntegrationNotFound:   "Integration not found or access denied",
	ErrAlreadyConfigured:     "Integration is already configured",
	ErrProviderUnavailable:   "Service temporarily unavailable, please try again later",
	ErrProviderDisabled:      "This provider is currently not available",
	ErrInvalidPKCEParameters: "Authorization failed, please try again",
	ErrInvalidRedirectURI:    "Invalid request, please try again",
	ErrRedirectURIMismatch:   "Invalid request, please try again",
	ErrValidationError:       "Invalid request, please try again",
	ErrInternalError:         "An unexpected error occurred, please try again",

	// RFC 6749 token endpoint error codes.
	"invalid_grant":          "Authorization code is invalid or expired",
	"invalid_client":         "Authorization failed, please try again",
	"invalid_request":        "Invalid request, please try again",
	"unsupported_grant_type": "Authorization failed, please try again",
}

// defaultGenericMessage covers any code without a table entry.
const defaultGenericMessage = "Authorization failed, please try again"

// GenericMessage returns the user-safe message for an error type or provider
// error code.
func GenericMessage(code string) string {
	if msg, ok := genericMessages[code]; ok {
		return msg
	}
	return defaultGenericMessage
}

// GenericMessageFor returns the user-safe message for an error value, keyed by
// the provider token endpoint code when one is known, otherwise by the broker
// type.
func GenericMessageFor(err error) string {
	if e, ok := err.(*Error); ok && e.ProviderCode != "" {
		return GenericMessage(e.ProviderCode)
	}
	return GenericMessage(TypeOf(err))
}

// IsGenericMessage reports whether s is one of the user-safe messages this
// package can emit. The monitoring data exposure check uses it to prove that
// recorded issues never carry raw provider or internal text.
func IsGenericMessage(s string) bool {
	if s == defaultGenericMessage {
		return true
	}
	for _, msg := range genericMessages {
		if msg == s {
			return true
		}
	}
	return false
}
