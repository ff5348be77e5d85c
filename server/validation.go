package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/authsrv/oauth/pkce"
	"github.com/authsrv/oauth/storage"
)

// PKCE method constants, re-exported for callers that configure or inspect
// flows without importing the pkce package.
const (
	MinCodeVerifierLength = pkce.MinVerifierLength
	MaxCodeVerifierLength = pkce.MaxVerifierLength
	PKCEMethodS256        = pkce.MethodS256
	PKCEMethodPlain       = pkce.MethodPlain
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"

	// S256 challenges are the unpadded base64url encoding of a SHA-256
	// digest, which is always this long.
	s256ChallengeLength = 43

	oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"
)

// DangerousSchemes lists URI schemes that are never accepted in redirect
// URIs regardless of configuration. They all allow script execution or
// local resource access in the user agent.
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// rfc3986SchemePattern matches scheme = ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ).
var rfc3986SchemePattern = "^[a-z][a-z0-9+.-]*$"

// validateHTTPSEnforcement checks the issuer URL at startup. OAuth 2.1
// requires HTTPS for all endpoints except loopback development setups, so
// an http:// issuer on a routable host is rejected unless the operator
// opts in with AllowInsecureHTTP.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		// Missing issuer is reported by config validation with a
		// clearer message.
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		// handled below
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()

	if isLocalhostHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("serving OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "credentials visible on the local network",
				"to_suppress", "set AllowInsecureHTTP=true",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"issuer must use HTTPS in production (got %s://%s): "+
				"OAuth over HTTP exposes tokens and credentials to interception; "+
				"set AllowInsecureHTTP=true only for development",
			issuerURL.Scheme, hostname)
	}

	// The operator explicitly allowed this. Log it loudly anyway.
	s.Logger.Error("serving OAuth over HTTP on a non-loopback host",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "all tokens and credentials exposed to interception",
		"learn_more", oauth21SecurityBestPracticesURL)

	return nil
}

// isLocalhostHostname reports whether a hostname refers to the local
// machine: "localhost", 0.0.0.0, the whole 127.0.0.0/8 range, ::1, and
// IPv4-mapped loopback forms.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname() may keep brackets around IPv6 literals but
	// net.ParseIP does not accept them.
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		hostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURI checks that a redirect URI on an authorization
// request is registered for the client. Matching is exact string
// comparison; no prefix, wildcard, or normalization matching
// (OAuth 2.1 Section 4.1.1).
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return fmt.Errorf("redirect URI not registered for client")
	}
	return checkRedirectURISecurity(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes)
}

// validateScopes checks requested scopes against the server's supported
// scope list. An empty SupportedScopes config means the server does not
// restrict scopes.
func (s *Server) validateScopes(scope string) error {
	if len(s.Config.SupportedScopes) == 0 || scope == "" {
		return nil
	}

	for _, requested := range strings.Fields(scope) {
		if !slices.Contains(s.Config.SupportedScopes, requested) {
			return fmt.Errorf("unsupported scope: %s", requested)
		}
	}
	return nil
}

// validateRequestedClientScopes enforces per-client scope restrictions on
// top of server-level validation. A client with no registered scopes may
// request anything the server supports; otherwise the request must be a
// subset of the client's scopes.
func (s *Server) validateRequestedClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 || requestedScope == "" {
		return nil
	}

	for _, requested := range strings.Fields(requestedScope) {
		if !slices.Contains(clientScopes, requested) {
			// Do not echo which scope failed; that would let a
			// client enumerate another client's grants.
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}
	return nil
}

// validateClientScopes validates scopes submitted at registration time
// against the server's supported scope list.
func (s *Server) validateClientScopes(scopes []string) error {
	return s.validateScopes(strings.Join(scopes, " "))
}

// validateStateParameter enforces a minimum length on the state parameter
// when one is supplied, so state values carry enough entropy for CSRF
// protection. Absent state is fine when PKCE is in use (OAuth 2.1
// Section 7.8).
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return nil
	}
	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters for security", s.Config.MinStateLength)
	}
	return nil
}

// validateCodeChallenge validates a code_challenge and its method as
// presented on the authorization request (RFC 7636 Section 4.3).
func (s *Server) validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
		if len(challenge) != s256ChallengeLength {
			return fmt.Errorf("code_challenge must be %d characters for S256", s256ChallengeLength)
		}
		for _, ch := range challenge {
			if !isBase64URLChar(ch) {
				return fmt.Errorf("code_challenge contains invalid characters")
			}
		}
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)", PKCEMethodPlain)
		}
		// A plain challenge is the verifier itself and follows verifier rules.
		if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
			return fmt.Errorf("code_challenge must be %d-%d characters for plain", MinCodeVerifierLength, MaxCodeVerifierLength)
		}
	default:
		supported := "S256"
		if s.Config.AllowPKCEPlain {
			supported = "S256, plain"
		}
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: %s)", method, supported)
	}

	return nil
}

func isBase64URLChar(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') ||
		(ch >= '0' && ch <= '9') || ch == '-' || ch == '_'
}

// validatePKCE validates the PKCE code verifier against the stored
// challenge per RFC 7636.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE bound to this grant.
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	if method == PKCEMethodPlain {
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed (configure AllowPKCEPlain=true if needed for legacy clients)", PKCEMethodPlain)
		}
		s.Logger.Warn("using insecure 'plain' PKCE method",
			"recommendation", "upgrade client to S256")
	}

	ok, err := pkce.Verify(verifier, challenge, method)
	if err != nil {
		return fmt.Errorf("invalid code_verifier: %w", err)
	}
	if !ok {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateResourceIndicator validates a resource parameter (RFC 8707
// Section 2): an absolute URI without a fragment.
func validateResourceIndicator(resource string) error {
	if resource == "" {
		return nil
	}

	parsed, err := url.Parse(resource)
	if err != nil {
		return fmt.Errorf("invalid resource indicator: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("resource indicator must be an absolute URI")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("resource indicator must not contain a fragment")
	}
	return nil
}

// validateCustomScheme accepts a non-HTTP redirect URI scheme when it is
// not on the dangerous list and matches one of the configured patterns.
// With no patterns configured, any RFC 3986 compliant scheme is accepted.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	if slices.Contains(DangerousSchemes, schemeLower) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = []string{rfc3986SchemePattern}
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// isLoopbackAddress reports whether a redirect URI hostname is a loopback
// address, including the "localhost:port" form that appears when callers
// pass a host:port string.
func isLoopbackAddress(hostname string) bool {
	hostname = strings.TrimSpace(strings.Trim(hostname, "[]"))

	if hostname == "localhost" || strings.HasPrefix(hostname, "localhost:") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return strings.HasPrefix(hostname, "127.")
}

// checkRedirectURISecurity applies OAuth 2.0 Security BCP checks to a
// registered redirect URI at authorization time: no fragments, HTTPS for
// non-loopback hosts when the server itself runs HTTPS, and custom scheme
// screening for native apps.
func checkRedirectURISecurity(redirectURI, serverIssuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3.
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != SchemeHTTP && scheme != SchemeHTTPS {
		return validateCustomScheme(scheme, allowedCustomSchemes)
	}

	hostname := strings.ToLower(parsed.Hostname())
	if scheme == SchemeHTTP && !isLoopbackAddress(hostname) {
		// Only enforce when the server itself runs HTTPS; an
		// AllowInsecureHTTP development server may redirect over HTTP.
		if serverParsed, err := url.Parse(serverIssuer); err == nil && serverParsed.Scheme == SchemeHTTPS {
			return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
		}
	}

	return nil
}
