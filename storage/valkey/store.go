package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authsrv/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings.
	// This prevents DoS attacks via excessively large tokens.
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (clientID, subject, jti)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.TokenStore           = (*Store)(nil)
	_ storage.TokenRevocationStore = (*Store)(nil)
	_ storage.ClientStore          = (*Store)(nil)
	_ storage.FlowStore            = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// accessTokenKey returns the key for an active access token: {prefix}access:{jti}
func (s *Store) accessTokenKey(jti string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, jti)
}

// refreshTokenKey returns the key for a refresh token: {prefix}refresh:{token}
func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// clientIPKey returns the key for client IP tracking: {prefix}client:ip:{ip}
func (s *Store) clientIPKey(ip string) string {
	return fmt.Sprintf("%sclient:ip:%s", s.prefix, ip)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// subjectIndexKey returns the key for the per-client+subject token index set:
// {prefix}idx:{clientID}:{subject}. The set tracks issued token keys so bulk
// revocation does not have to scan the whole keyspace.
func (s *Store) subjectIndexKey(clientID, subject string) string {
	return fmt.Sprintf("%sidx:%s:%s", s.prefix, clientID, subject)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts make the single-use checks atomic inside Valkey. Without
// them, two concurrent redemptions of the same code or refresh token could
// both pass a read-then-write check, which is exactly the race that code
// replay and refresh token reuse attacks exploit.

// luaAtomicRedeemSingleUse atomically checks a single-use record (an
// authorization code or a refresh token) and marks it used. The record is
// kept under its original TTL after redemption so a later replay can be
// recognized and contained instead of looking like an unknown value.
//
// KEYS[1] = record key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the original JSON data if the record was unused and is now marked used
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the record has expired (ARGV[1] > record.expires_at)
//   - "ALREADY_USED:<json>" if the record was already redeemed
const luaAtomicRedeemSingleUse = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rec = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(rec.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if rec.used then
    return 'ALREADY_USED:' .. data
end

rec.used = true
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')

return data
`

// ============================================================
// JSON Serialization
// ============================================================
//
// The wire representations use Unix timestamps so the Lua scripts can do
// expiry arithmetic on the stored JSON directly.

// clientJSON is the JSON representation of a registered OAuth client
type clientJSON struct {
	ClientID                   string   `json:"client_id"`
	ClientSecretHash           string   `json:"client_secret_hash,omitempty"`
	ClientType                 string   `json:"client_type"`
	RedirectURIs               []string `json:"redirect_uris"`
	TokenEndpointAuthMethod    string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes                 []string `json:"grant_types,omitempty"`
	ResponseTypes              []string `json:"response_types,omitempty"`
	ClientName                 string   `json:"client_name,omitempty"`
	Scopes                     []string `json:"scopes,omitempty"`
	PublicKeyPEM               string   `json:"public_key_pem,omitempty"`
	TLSSubjectDN               string   `json:"tls_subject_dn,omitempty"`
	SecretExpiresAt            int64    `json:"secret_expires_at,omitempty"`
	RegistrationAccessToken    string   `json:"registration_access_token,omitempty"`
	RegistrationTokenExpiresAt int64    `json:"registration_token_expires_at,omitempty"`
	CreatedAt                  int64    `json:"created_at"`
	RegistrationIP             string   `json:"registration_ip,omitempty"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	j := &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scopes:                  client.Scopes,
		PublicKeyPEM:            client.PublicKeyPEM,
		TLSSubjectDN:            client.TLSSubjectDN,
		RegistrationAccessToken: client.RegistrationAccessToken,
		CreatedAt:               client.CreatedAt.Unix(),
		RegistrationIP:          client.RegistrationIP,
	}
	if !client.SecretExpiresAt.IsZero() {
		j.SecretExpiresAt = client.SecretExpiresAt.Unix()
	}
	if !client.RegistrationTokenExpiresAt.IsZero() {
		j.RegistrationTokenExpiresAt = client.RegistrationTokenExpiresAt.Unix()
	}
	return j
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	client := &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		PublicKeyPEM:            j.PublicKeyPEM,
		TLSSubjectDN:            j.TLSSubjectDN,
		RegistrationAccessToken: j.RegistrationAccessToken,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
		RegistrationIP:          j.RegistrationIP,
	}
	if j.SecretExpiresAt > 0 {
		client.SecretExpiresAt = time.Unix(j.SecretExpiresAt, 0)
	}
	if j.RegistrationTokenExpiresAt > 0 {
		client.RegistrationTokenExpiresAt = time.Unix(j.RegistrationTokenExpiresAt, 0)
	}
	return client
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Resource            string `json:"resource,omitempty"`
	Subject             string `json:"subject"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Resource:            code.Resource,
		Subject:             code.Subject,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Resource:            j.Resource,
		Subject:             j.Subject,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// accessTokenRecordJSON is the JSON representation of an active access token
type accessTokenRecordJSON struct {
	JTI       string `json:"jti"`
	ClientID  string `json:"client_id"`
	Subject   string `json:"subject"`
	Scope     string `json:"scope,omitempty"`
	Resource  string `json:"resource,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toAccessTokenRecordJSON(record *storage.AccessTokenRecord) *accessTokenRecordJSON {
	return &accessTokenRecordJSON{
		JTI:       record.JTI,
		ClientID:  record.ClientID,
		Subject:   record.Subject,
		Scope:     record.Scope,
		Resource:  record.Resource,
		IssuedAt:  record.IssuedAt.Unix(),
		ExpiresAt: record.ExpiresAt.Unix(),
	}
}

func fromAccessTokenRecordJSON(j *accessTokenRecordJSON) *storage.AccessTokenRecord {
	if j == nil {
		return nil
	}
	return &storage.AccessTokenRecord{
		JTI:       j.JTI,
		ClientID:  j.ClientID,
		Subject:   j.Subject,
		Scope:     j.Scope,
		Resource:  j.Resource,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// refreshTokenJSON is the JSON representation of a refresh token record
type refreshTokenJSON struct {
	Token          string `json:"token"`
	ClientID       string `json:"client_id"`
	Subject        string `json:"subject"`
	Scope          string `json:"scope,omitempty"`
	Resource       string `json:"resource,omitempty"`
	AccessTokenJTI string `json:"access_token_jti,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
	Used           bool   `json:"used,omitempty"`
}

func toRefreshTokenJSON(record *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:          record.Token,
		ClientID:       record.ClientID,
		Subject:        record.Subject,
		Scope:          record.Scope,
		Resource:       record.Resource,
		AccessTokenJTI: record.AccessTokenJTI,
		CreatedAt:      record.CreatedAt.Unix(),
		ExpiresAt:      record.ExpiresAt.Unix(),
		Used:           record.Used,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		Token:          j.Token,
		ClientID:       j.ClientID,
		Subject:        j.Subject,
		Scope:          j.Scope,
		Resource:       j.Resource,
		AccessTokenJTI: j.AccessTokenJTI,
		CreatedAt:      time.Unix(j.CreatedAt, 0),
		ExpiresAt:      time.Unix(j.ExpiresAt, 0),
		Used:           j.Used,
	}
}

// ============================================================
// Helpers
// ============================================================

// isNilError reports whether an error is the Valkey nil reply (key missing).
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}
