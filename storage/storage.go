// Package storage defines interfaces for persisting OAuth clients,
// authorization codes, and tokens. It supports various backend
// implementations including in-memory and databases.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers are expected
// to branch with errors.Is rather than matching message text.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired indicates the record exists but its expiry has passed
	ErrExpired = errors.New("storage: expired")

	// ErrAlreadyUsed indicates a single-use record was already redeemed.
	// SECURITY: callers must treat this as a possible replay signal.
	ErrAlreadyUsed = errors.New("storage: already used")

	// ErrIPLimitExceeded indicates an IP reached its registration limit
	ErrIPLimitExceeded = errors.New("storage: registration limit reached for IP")
)

// TokenStore persists the active access-token index (keyed by jti) and
// refresh token records.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken records an issued access token in the active index
	SaveAccessToken(ctx context.Context, record *AccessTokenRecord) error

	// GetAccessToken retrieves an active access token record by jti.
	// Returns ErrNotFound for unknown or revoked tokens.
	GetAccessToken(ctx context.Context, jti string) (*AccessTokenRecord, error)

	// DeleteAccessToken removes a jti from the active index. The returned
	// bool reports whether the jti was present, so revocation can stay
	// idempotent at the caller.
	DeleteAccessToken(ctx context.Context, jti string) (bool, error)

	// SaveRefreshToken saves a refresh token record keyed by its value
	SaveRefreshToken(ctx context.Context, record *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record by value
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token. The bool reports whether
	// the token was present.
	DeleteRefreshToken(ctx context.Context, token string) (bool, error)

	// AtomicRedeemRefreshToken atomically checks a refresh token and marks
	// it used. Exactly one of two concurrent redemptions of the same value
	// may succeed. Returns:
	// - (record, nil) on the single successful redemption
	// - (record, ErrAlreadyUsed) when the token was already redeemed; the
	//   record is returned so the caller can revoke the affected
	//   client/subject pair (reuse is a theft signal)
	// - (nil, ErrExpired) when the token expired
	// - (nil, ErrNotFound) when the token is unknown
	// SECURITY: this operation MUST be atomic to prevent concurrent
	// refresh attacks. The used marker is never rolled back.
	AtomicRedeemRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// SweepExpired removes expired entries from the access-token index and
	// the refresh token table, returning the number of records removed.
	SweepExpired(ctx context.Context) (int, error)
}

// TokenRevocationStore supports bulk token revocation (OAuth 2.1 security).
// Used for compromise containment when authorization code or refresh token
// reuse is detected.
type TokenRevocationStore interface {
	// RevokeAllTokensForClientSubject revokes every access and refresh
	// token bound to the client+subject pair, returning the count removed.
	// An empty subject matches every subject of the client.
	RevokeAllTokensForClientSubject(ctx context.Context, clientID, subject string) (int, error)

	// GetTokensForClientSubject lists active access-token jtis for a
	// client+subject pair (for testing/debugging).
	GetTokensForClientSubject(ctx context.Context, clientID, subject string) ([]string, error)
}

// ClientStore manages dynamically registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves or replaces a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound when unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client registration
	DeleteClient(ctx context.Context, clientID string) error

	// ValidateClientSecret validates a client's secret against the stored
	// hash. Implementations must take constant time for unknown clients.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// ClientIPTracker is implemented by client stores that count registrations
// per source IP. When a store implements it, the server records each
// successful registration so CheckIPLimit has data to enforce.
type ClientIPTracker interface {
	TrackClientIP(ip string)
}

// FlowStore manages issued authorization codes.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is
	// unused and marks it used. Exactly one of two concurrent exchanges of
	// the same code may succeed. Returns:
	// - (code, nil) on the single successful exchange
	// - (code, ErrAlreadyUsed) when the code was already redeemed; the
	//   record is returned so the caller can revoke tokens minted from it
	// - (nil, ErrExpired) / (nil, ErrNotFound) otherwise
	// SECURITY: this operation MUST be atomic, and the used flag is never
	// rolled back even if the requesting client goes away.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// Client represents a registered OAuth client (RFC 7591)
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string

	// PublicKeyPEM holds the registered verification key for clients using
	// the private_key_jwt auth method (PEM-encoded RSA or EC public key).
	PublicKeyPEM string

	// TLSSubjectDN is the expected certificate subject for clients using
	// the tls_client_auth method. Empty means any subject whose CN matches
	// the client ID.
	TLSSubjectDN string

	// SecretExpiresAt bounds the client secret's validity. Zero means the
	// secret does not expire.
	SecretExpiresAt time.Time

	// RegistrationAccessToken authorizes management of this registration
	// (update/delete). Expires per RegistrationTokenExpiresAt.
	RegistrationAccessToken    string
	RegistrationTokenExpiresAt time.Time

	CreatedAt      time.Time
	RegistrationIP string
}

// SupportsGrantType reports whether the client registered for a grant type
func (c *Client) SupportsGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationCode represents a one-time-use authorization grant
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
	Subject             string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AccessTokenRecord is one entry in the active-token index, keyed by jti.
// Presence in the index is what makes a signed token "live": revocation
// deletes the entry while the JWT itself stays syntactically valid.
type AccessTokenRecord struct {
	JTI       string
	ClientID  string
	Subject   string
	Scope     string
	Resource  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken maps an opaque refresh token value to its grant context
type RefreshToken struct {
	Token          string
	ClientID       string
	Subject        string
	Scope          string
	Resource       string
	AccessTokenJTI string
	CreatedAt      time.Time
	ExpiresAt      time.Time

	// Used marks a redeemed token. Records are retained until expiry so a
	// replay can be recognized and contained rather than reported as a
	// plain unknown token.
	Used bool
}
