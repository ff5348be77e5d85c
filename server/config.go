package server

import (
	"log/slog"
	"time"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// SigningKey is the HMAC key used to sign access tokens (HS256).
	// Must be at least 32 bytes of cryptographically random data.
	SigningKey []byte

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid.
	// Requests for a longer lifetime are clamped to this value.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7200 (2 hours)

	// ClientSecretTTL is how long issued client secrets are valid.
	// Zero means the default; negative disables secret expiry.
	ClientSecretTTL int64 // seconds, default: 7776000 (90 days)

	// RegistrationTokenTTL is how long per-client registration access
	// tokens are valid
	RegistrationTokenTTL int64 // seconds, default: 86400 (24 hours)

	// ClientAssertionMaxAge is the maximum accepted age of a JWT client
	// assertion (private_key_jwt), measured from its iat claim
	ClientAssertionMaxAge int64 // seconds, default: 300 (5 minutes)

	// SweepInterval is how often expired tokens and codes are swept from
	// storage by the background sweeper
	SweepInterval time.Duration // default: 60s

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Example: If you have 2 proxies (CloudFlare + nginx), set this to 2
	// The client IP will be extracted as: ips[len(ips) - TrustedProxyCount - 1]
	// Default: 1
	TrustedProxyCount int // default: 1

	// MaxClientsPerIP limits client registrations per IP address
	// Prevents DoS via mass client registration
	// Default: 10
	MaxClientsPerIP int // default: 10

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes that are allowed for clients
	// If empty, all scopes are allowed
	SupportedScopes []string

	// MinStateLength is the minimum accepted length for the state parameter
	// when one is supplied. Short state values are vulnerable to guessing.
	// Default: 8
	MinStateLength int // default: 8

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// Only enable for backward compatibility with legacy clients
	// When false, only S256 method is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool // default: false

	// RequirePKCE enforces PKCE for all authorization requests
	// WARNING: Disabling this significantly weakens security
	// When true, code_challenge parameter is mandatory (secure by default)
	// Default: true
	RequirePKCE bool // default: true

	// AllowPublicClientRegistration allows unauthenticated dynamic client registration
	// WARNING: This can lead to DoS attacks via unlimited client registration
	// When false, client registration requires a registration access token
	// Default: false (authentication REQUIRED for security)
	AllowPublicClientRegistration bool // default: false

	// RegistrationAccessToken is the master token accepted for client registration
	// Only checked if AllowPublicClientRegistration is false
	// Generate a secure random token and share it only with trusted client developers
	RegistrationAccessToken string

	// AllowInsecureHTTP permits a non-HTTPS issuer and redirect URIs.
	// Intended for local development only.
	// Default: false
	AllowInsecureHTTP bool // default: false

	// ProductionMode enables strict redirect URI validation:
	// HTTPS required for non-loopback URIs
	// Default: false
	ProductionMode bool

	// AllowLocalhostRedirectURIs permits loopback redirect URIs
	// (RFC 8252 Section 7.3 allows HTTP for loopback)
	// Default: true
	AllowLocalhostRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits redirect URIs pointing at
	// RFC 1918 private addresses. Leave false for SSRF protection.
	// Default: false
	AllowPrivateIPRedirectURIs bool

	// AllowLinkLocalRedirectURIs permits link-local redirect URIs.
	// Leave false to block cloud metadata service addresses.
	// Default: false
	AllowLinkLocalRedirectURIs bool

	// DNSValidation resolves redirect URI hostnames at registration time
	// and rejects those resolving to private or link-local addresses
	// Default: false
	DNSValidation bool

	// DNSValidationTimeout bounds DNS resolution during redirect URI validation
	DNSValidationTimeout time.Duration // default: 5s

	// BlockedRedirectSchemes lists URI schemes that are never allowed
	// in redirect URIs, regardless of other configuration
	// Default: DangerousSchemes (javascript, data, vbscript, file, blob)
	BlockedRedirectSchemes []string

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// Used for validating custom redirect URIs (e.g., myapp://, com.example.app://)
	// Empty list allows all RFC 3986 compliant schemes
	AllowedCustomSchemes []string
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	// Apply time-based defaults
	applyTimeDefaults(config)

	// Apply security defaults and log warnings for insecure settings
	applySecurityDefaults(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7200 // 2 hours
	}
	if config.ClientSecretTTL == 0 {
		config.ClientSecretTTL = 7776000 // 90 days
	}
	if config.RegistrationTokenTTL == 0 {
		config.RegistrationTokenTTL = 86400 // 24 hours
	}
	if config.ClientAssertionMaxAge == 0 {
		config.ClientAssertionMaxAge = 300 // 5 minutes
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.DNSValidationTimeout == 0 {
		config.DNSValidationTimeout = 5 * time.Second
	}
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = append([]string(nil), DangerousSchemes...)
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	// Heuristic: if all security bools are false, it's likely a fresh config
	isDefaultConfig := !config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy &&
		!config.AllowInsecureHTTP

	if isDefaultConfig {
		// Apply secure defaults for fresh config
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		config.AllowLocalhostRedirectURIs = true
		return
	}

	// User has explicitly configured security - log warnings for insecure settings
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Insecure HTTP is ALLOWED",
			"risk", "Tokens and codes exposed to network attackers",
			"recommendation", "Set AllowInsecureHTTP=false outside local development")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("⚠️  SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
	if !config.AllowPublicClientRegistration && config.RegistrationAccessToken == "" {
		logger.Warn("⚠️  CONFIGURATION WARNING: RegistrationAccessToken not configured",
			"risk", "Client registration will fail",
			"recommendation", "Set RegistrationAccessToken or enable AllowPublicClientRegistration")
	}
}
