package oauth

import (
	"strings"

	"github.com/authsrv/oauth/server"
)

// Default endpoint paths registered by Handler.RegisterRoutes.
const (
	DefaultAuthorizationPath = "/oauth/authorize"
	DefaultTokenPath         = "/oauth/token"
	DefaultRegistrationPath  = "/oauth/register"
	DefaultRevocationPath    = "/oauth/revoke"
	DefaultIntrospectionPath = "/oauth/introspect"

	// MetadataPath is the RFC 8414 well-known discovery path.
	MetadataPath = "/.well-known/oauth-authorization-server"
)

const defaultCORSMaxAge = 3600

// SupportedTokenAuthMethods lists the token endpoint authentication methods
// this server accepts (RFC 7591 token_endpoint_auth_method values).
var SupportedTokenAuthMethods = []string{
	server.TokenEndpointAuthMethodNone,
	server.TokenEndpointAuthMethodBasic,
	server.TokenEndpointAuthMethodPost,
	server.TokenEndpointAuthMethodPrivateKeyJWT,
	server.TokenEndpointAuthMethodTLSClientAuth,
}

// Config holds the HTTP handler configuration. The protocol configuration
// (TTLs, PKCE policy, redirect URI policy) lives on server.Config; this
// covers only the HTTP surface: paths, CORS, and challenge headers.
type Config struct {
	// AuthorizationPath is the authorization endpoint path.
	// Default: /oauth/authorize
	AuthorizationPath string

	// TokenPath is the token endpoint path. Default: /oauth/token
	TokenPath string

	// RegistrationPath is the RFC 7591 registration endpoint path.
	// Management requests (RFC 7592) use RegistrationPath + "/{client_id}".
	// Default: /oauth/register
	RegistrationPath string

	// RevocationPath is the RFC 7009 revocation endpoint path.
	// Default: /oauth/revoke
	RevocationPath string

	// IntrospectionPath is the RFC 7662 introspection endpoint path.
	// Default: /oauth/introspect
	IntrospectionPath string

	// EnableRevocationEndpoint registers the revocation endpoint and
	// advertises it in the server metadata.
	EnableRevocationEndpoint bool

	// EnableIntrospectionEndpoint registers the introspection endpoint and
	// advertises it in the server metadata.
	EnableIntrospectionEndpoint bool

	// CORS configures cross-origin access for browser-based clients.
	CORS CORSConfig

	// DefaultChallengeScopes are advertised in WWW-Authenticate challenges
	// on 401 responses when no more specific scopes apply.
	DefaultChallengeScopes []string

	// DisableWWWAuthenticateMetadata reduces 401 responses to a bare
	// "Bearer" challenge for legacy clients.
	DisableWWWAuthenticateMetadata bool
}

// CORSConfig holds CORS settings for the OAuth endpoints
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to make cross-origin requests.
	// Empty disables CORS entirely. "*" allows all origins (development only).
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials on responses.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds. Default: 3600
	MaxAge int
}

// applyDefaults fills in zero-value paths.
func (c *Config) applyDefaults() {
	if c.AuthorizationPath == "" {
		c.AuthorizationPath = DefaultAuthorizationPath
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.RegistrationPath == "" {
		c.RegistrationPath = DefaultRegistrationPath
	}
	if c.RevocationPath == "" {
		c.RevocationPath = DefaultRevocationPath
	}
	if c.IntrospectionPath == "" {
		c.IntrospectionPath = DefaultIntrospectionPath
	}
}

// joinIssuerPath joins an endpoint path onto the issuer URL.
func joinIssuerPath(issuer, endpointPath string) string {
	return strings.TrimSuffix(issuer, "/") + endpointPath
}
