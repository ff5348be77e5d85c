package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://auth.example.com")

	want := map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"X-XSS-Protection":          "1; mode=block",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Cache-Control":             "no-store, no-cache, must-revalidate, private",
		"Pragma":                    "no-cache",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestSetSecurityHeaders_NoHSTSOverHTTP(t *testing.T) {
	tests := []struct {
		name   string
		issuer string
	}{
		{"http issuer", "http://localhost:8080"},
		{"empty issuer", ""},
		{"garbage issuer", "://not-a-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.issuer)
			if got := w.Header().Get("Strict-Transport-Security"); got != "" {
				t.Errorf("Strict-Transport-Security = %q, want unset for %q", got, tt.issuer)
			}
			// The rest of the policy does not depend on the scheme.
			if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q, want DENY", got)
			}
		})
	}
}

func TestSetSecurityHeaders_SchemeCaseInsensitive(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "HTTPS://auth.example.com")
	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("expected HSTS for uppercase https scheme")
	}
}
