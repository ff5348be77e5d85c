package security

import (
	"net/http"
	"net/url"
	"strings"
)

// SetSecurityHeaders applies the response headers every endpoint of the
// authorization server sends. OAuth responses carry credentials, so the
// policy is maximally restrictive: nothing may be framed, cached, or
// loaded as a sub-resource.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the issuer itself is HTTPS; sending it
	// for a plain-HTTP dev issuer would lock the browser out.
	if issuerIsHTTPS(issuer) {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

func issuerIsHTTPS(issuer string) bool {
	parsed, err := url.Parse(issuer)
	return err == nil && strings.EqualFold(parsed.Scheme, "https")
}
