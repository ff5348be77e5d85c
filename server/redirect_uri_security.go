package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// RedirectURIViolation classifies why a redirect URI was rejected.
// The value is stable and safe to use as a metric label.
type RedirectURIViolation string

const (
	ViolationBlockedScheme   RedirectURIViolation = "blocked_scheme"
	ViolationPrivateIP       RedirectURIViolation = "private_ip"
	ViolationLinkLocal       RedirectURIViolation = "link_local"
	ViolationLoopback        RedirectURIViolation = "loopback_not_allowed"
	ViolationHTTPNotAllowed  RedirectURIViolation = "http_not_allowed"
	ViolationDNSPrivateIP    RedirectURIViolation = "dns_resolves_to_private_ip"
	ViolationDNSLinkLocal    RedirectURIViolation = "dns_resolves_to_link_local"
	ViolationInvalidFormat   RedirectURIViolation = "invalid_format"
	ViolationFragment        RedirectURIViolation = "fragment_not_allowed"
	ViolationUnspecifiedAddr RedirectURIViolation = "unspecified_address"
)

// RedirectURIError rejects a redirect URI during registration. Error()
// returns only the client-safe message; Detail carries the operator-facing
// reason and never goes back on the wire.
type RedirectURIError struct {
	Violation RedirectURIViolation
	URI       string // scrubbed, for logs
	Detail    string
	msg       string
}

func (e *RedirectURIError) Error() string { return e.msg }

func redirectErr(v RedirectURIViolation, uri, detail, msg string) *RedirectURIError {
	return &RedirectURIError{Violation: v, URI: uri, Detail: detail, msg: msg}
}

// RedirectViolationOf extracts the violation class from err, or "" when
// err is not a RedirectURIError.
func RedirectViolationOf(err error) RedirectURIViolation {
	var re *RedirectURIError
	if errors.As(err, &re) {
		return re.Violation
	}
	return ""
}

// ValidateRedirectURIsForRegistration checks every redirect URI submitted
// with a registration request and fails on the first violation.
func (s *Server) ValidateRedirectURIsForRegistration(ctx context.Context, redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("redirect_uri: at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(ctx, uri); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRedirectURIForRegistration applies the registration-time policy
// to a single redirect URI, per OAuth 2.0 Security BCP Section 4.1:
// dangerous schemes are always rejected, fragments are never allowed, and
// http(s) targets are screened against SSRF vectors (private ranges,
// link-local addresses that reach cloud metadata services, and optionally
// whatever the hostname resolves to). Config toggles relax the IP checks
// for internal or development deployments; the scheme blocklist does not
// relax.
func (s *Server) ValidateRedirectURIForRegistration(ctx context.Context, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return redirectErr(ViolationInvalidFormat, scrubURI(redirectURI),
			fmt.Sprintf("URL parse error: %v", err),
			"redirect_uri: invalid URI format")
	}

	// Security BCP Section 4.1.3: fragments are an XSS vector.
	if parsed.Fragment != "" {
		return redirectErr(ViolationFragment, scrubURI(redirectURI),
			"URI carries a fragment",
			"redirect_uri: fragments are not allowed (OAuth 2.0 Security BCP)")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, blocked := range s.Config.BlockedRedirectSchemes {
		if strings.EqualFold(scheme, blocked) {
			return redirectErr(ViolationBlockedScheme, scrubURI(redirectURI),
				fmt.Sprintf("scheme %q is blocklisted", scheme),
				fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme))
		}
	}

	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.checkWebRedirectURI(ctx, parsed)
	}

	// Anything else is a native-app custom scheme.
	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return redirectErr(ViolationBlockedScheme, scrubURI(redirectURI),
			err.Error(),
			fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme))
	}
	return nil
}

func (s *Server) checkWebRedirectURI(ctx context.Context, parsed *url.URL) error {
	scheme := strings.ToLower(parsed.Scheme)
	hostname := parsed.Hostname()

	if isLoopbackAddress(hostname) {
		if !s.Config.AllowLocalhostRedirectURIs {
			return redirectErr(ViolationLoopback, scrubURI(parsed.String()),
				"loopback targets disabled by AllowLocalhostRedirectURIs",
				"redirect_uri: loopback addresses are not allowed")
		}
		// RFC 8252 Section 7.3: plain http is fine for loopback.
		return nil
	}

	if s.Config.ProductionMode && scheme == SchemeHTTP {
		return redirectErr(ViolationHTTPNotAllowed, scrubURI(parsed.String()),
			"non-loopback http target in production mode",
			"redirect_uri: HTTPS is required in production (HTTP only allowed for localhost)")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return s.checkRedirectIP(ip)
	}

	if s.Config.DNSValidation {
		return s.checkResolvedHost(ctx, hostname, parsed.String())
	}
	return nil
}

// checkRedirectIP screens a literal IP target. Unspecified addresses are
// rejected unconditionally; private and link-local ranges honor the
// corresponding Config toggles.
func (s *Server) checkRedirectIP(ip net.IP) error {
	switch {
	case ip.IsUnspecified():
		return redirectErr(ViolationUnspecifiedAddr, "",
			fmt.Sprintf("IP %s is unspecified", ip),
			"redirect_uri: unspecified addresses (0.0.0.0, ::) are not allowed")

	case ip.IsPrivate() && !s.Config.AllowPrivateIPRedirectURIs:
		return redirectErr(ViolationPrivateIP, "",
			fmt.Sprintf("IP %s is in an RFC 1918 range", ip),
			"redirect_uri: private IP addresses are not allowed (SSRF protection)")

	case (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) && !s.Config.AllowLinkLocalRedirectURIs:
		return redirectErr(ViolationLinkLocal, "",
			fmt.Sprintf("IP %s is link-local", ip),
			"redirect_uri: link-local addresses are not allowed (cloud SSRF protection)")
	}
	return nil
}

// checkResolvedHost resolves hostname and screens every address it maps
// to, closing the DNS gap in the literal-IP checks. A resolution failure
// is logged and allowed through so transient DNS trouble does not block
// legitimate registrations.
func (s *Server) checkResolvedHost(ctx context.Context, hostname, fullURI string) error {
	resolveCtx, cancel := context.WithTimeout(ctx, s.Config.DNSValidationTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(resolveCtx, "ip", hostname)
	if err != nil {
		s.Logger.Warn("DNS resolution failed during redirect URI validation",
			"hostname", hostname,
			"error", err,
			"action", "allowing_registration")
		return nil
	}

	for _, ip := range ips {
		if ip.IsPrivate() && !s.Config.AllowPrivateIPRedirectURIs {
			return redirectErr(ViolationDNSPrivateIP, scrubURI(fullURI),
				fmt.Sprintf("hostname %q resolves to private IP %s", hostname, ip),
				"redirect_uri: hostname resolves to private IP address (DNS rebinding protection)")
		}
		if ip.IsLinkLocalUnicast() && !s.Config.AllowLinkLocalRedirectURIs {
			return redirectErr(ViolationDNSLinkLocal, scrubURI(fullURI),
				fmt.Sprintf("hostname %q resolves to link-local IP %s", hostname, ip),
				"redirect_uri: hostname resolves to link-local address (cloud SSRF protection)")
		}
	}
	return nil
}

// scrubURI strips query, fragment, and userinfo so a rejected URI can be
// logged without leaking credentials or tokens embedded in it.
func scrubURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}
