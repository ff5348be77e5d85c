package oauth

import (
	"fmt"
	"net/http"
)

// OAuth error codes (RFC 6749 Section 5.2, RFC 6750 Section 3.1,
// RFC 8707).
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeInvalidTarget        = "invalid_target"
	ErrorCodeInsufficientScope    = "insufficient_scope"
)

// OAuthError is an OAuth 2.0 error response with an explicit HTTP status.
// Handlers that return one get their chosen status; plain errors fall back
// to the code-to-status mapping in statusForErrorCode.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Errorf builds an OAuthError for code with a formatted description,
// deriving the HTTP status from the code.
func Errorf(code, format string, args ...any) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: fmt.Sprintf(format, args...),
		Status:      statusForErrorCode(code),
	}
}

// statusForErrorCode maps an OAuth error code to its HTTP status.
func statusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeInsufficientScope, ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func isKnownErrorCode(code string) bool {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInvalidGrant, ErrorCodeInvalidClient,
		ErrorCodeInvalidScope, ErrorCodeInvalidToken, ErrorCodeUnauthorizedClient,
		ErrorCodeUnsupportedGrantType, ErrorCodeServerError, ErrorCodeAccessDenied,
		ErrorCodeInvalidRedirectURI, ErrorCodeRateLimitExceeded,
		ErrorCodeInvalidTarget, ErrorCodeInsufficientScope:
		return true
	}
	return false
}
