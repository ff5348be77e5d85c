package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorf(t *testing.T) {
	tests := []struct {
		code       string
		wantStatus int
	}{
		{ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrorCodeInsufficientScope, http.StatusForbidden},
		{ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{ErrorCodeServerError, http.StatusInternalServerError},
		{ErrorCodeInvalidTarget, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			oe := Errorf(tt.code, "detail %d", 42)
			if oe.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", oe.Status, tt.wantStatus)
			}
			if oe.Description != "detail 42" {
				t.Errorf("description = %q", oe.Description)
			}
			want := tt.code + ": detail 42"
			if oe.Error() != want {
				t.Errorf("Error() = %q, want %q", oe.Error(), want)
			}
		})
	}
}

func TestOAuthError_As(t *testing.T) {
	wrapped := fmt.Errorf("exchange failed: %w", Errorf(ErrorCodeInvalidGrant, "code already redeemed"))

	var oe *OAuthError
	if !errors.As(wrapped, &oe) {
		t.Fatal("errors.As should unwrap to *OAuthError")
	}
	if oe.Code != ErrorCodeInvalidGrant {
		t.Errorf("code = %q, want %q", oe.Code, ErrorCodeInvalidGrant)
	}
}

func TestIsKnownErrorCode(t *testing.T) {
	for _, code := range []string{
		ErrorCodeInvalidRequest, ErrorCodeInvalidGrant, ErrorCodeInvalidClient,
		ErrorCodeUnsupportedGrantType, ErrorCodeInvalidTarget, ErrorCodeInsufficientScope,
	} {
		if !isKnownErrorCode(code) {
			t.Errorf("isKnownErrorCode(%q) = false, want true", code)
		}
	}
	for _, code := range []string{"", "unknown_code", "Invalid_Request", "failed to read body"} {
		if isKnownErrorCode(code) {
			t.Errorf("isKnownErrorCode(%q) = true, want false", code)
		}
	}
}
