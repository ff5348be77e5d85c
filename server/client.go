package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/authsrv/oauth/security"
	"github.com/authsrv/oauth/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"

	// TokenEndpointAuthMethodPrivateKeyJWT represents JWT assertion
	// authentication with a registered public key (RFC 7523)
	TokenEndpointAuthMethodPrivateKeyJWT = "private_key_jwt"

	// TokenEndpointAuthMethodTLSClientAuth represents mutual-TLS
	// authentication against a registered certificate subject (RFC 8705)
	TokenEndpointAuthMethodTLSClientAuth = "tls_client_auth"
)

// Grant and response types supported by this server.
var (
	supportedGrantTypes    = []string{"authorization_code", "refresh_token"}
	supportedResponseTypes = []string{"code"}
)

// ErrRegistrationAccessDenied is returned when a registration management
// request presents a missing, wrong, or expired registration access token.
var ErrRegistrationAccessDenied = errors.New("registration access denied")

// ClientRegistration is the metadata a client submits when registering
// (RFC 7591 Section 2). Zero-value fields get secure defaults.
type ClientRegistration struct {
	ClientName              string
	ClientType              string
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string

	// PublicKeyPEM is required for private_key_jwt clients.
	PublicKeyPEM string

	// TLSSubjectDN is required for tls_client_auth clients.
	TLSSubjectDN string
}

// RegistrationError is a client metadata validation failure. The Code maps
// to the RFC 7591 error codes returned by the registration endpoint.
type RegistrationError struct {
	Code    string
	Message string
}

func (e *RegistrationError) Error() string {
	return e.Code + ": " + e.Message
}

func invalidMetadata(format string, args ...any) error {
	return &RegistrationError{Code: "invalid_client_metadata", Message: fmt.Sprintf(format, args...)}
}

// RegisterClient registers a new OAuth client with IP-based DoS protection.
// It validates the submitted metadata, generates the client_id, a secret for
// secret-based confidential clients, and a per-client registration access
// token for subsequent management requests.
//
// Security: redirect URIs are validated against the security configuration
// (ProductionMode, AllowPrivateIPRedirectURIs, etc.) to prevent SSRF and
// open redirect attacks.
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration, clientIP string) (*storage.Client, string, error) {
	if err := s.clientStore.CheckIPLimit(ctx, clientIP, s.Config.MaxClientsPerIP); err != nil {
		return nil, "", err
	}

	if err := s.validateRedirectURIsWithAudit(ctx, reg.RedirectURIs, clientIP); err != nil {
		return nil, "", err
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(reg.ClientType, reg.TokenEndpointAuthMethod)
	if err != nil {
		return nil, "", err
	}

	grantTypes, responseTypes, err := resolveGrantAndResponseTypes(reg.GrantTypes, reg.ResponseTypes)
	if err != nil {
		return nil, "", err
	}

	if err := s.validateClientScopes(reg.Scopes); err != nil {
		return nil, "", invalidMetadata("%v", err)
	}

	if err := validateAuthMethodCredentials(authMethod, reg); err != nil {
		return nil, "", err
	}

	clientSecret, clientSecretHash, err := generateClientSecret(clientType, authMethod)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                generateClientID(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            reg.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              reg.ClientName,
		Scopes:                  reg.Scopes,
		PublicKeyPEM:            reg.PublicKeyPEM,
		TLSSubjectDN:            reg.TLSSubjectDN,
		RegistrationAccessToken: generateRandomToken(),
		RegistrationTokenExpiresAt: now.Add(
			time.Duration(s.Config.RegistrationTokenTTL) * time.Second),
		CreatedAt:      now,
		RegistrationIP: clientIP,
	}
	if clientSecret != "" && s.Config.ClientSecretTTL > 0 {
		client.SecretExpiresAt = now.Add(time.Duration(s.Config.ClientSecretTTL) * time.Second)
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.trackClientIPAndLog(client, clientIP)
	return client, clientSecret, nil
}

// generateClientID produces a client identifier of the form client-<16 hex>.
func generateClientID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the platform RNG is broken
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return "client-" + hex.EncodeToString(b[:])
}

// validateRedirectURIsWithAudit validates redirect URIs and logs failures for auditing.
func (s *Server) validateRedirectURIsWithAudit(ctx context.Context, redirectURIs []string, clientIP string) error {
	if err := s.ValidateRedirectURIsForRegistration(ctx, redirectURIs); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type: security.EventClientRegistrationRejected,
				Details: map[string]any{
					"reason":    "redirect_uri_validation_failed",
					"category":  string(RedirectViolationOf(err)),
					"client_ip": clientIP,
				},
			})
		}
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"client_ip", clientIP)
		return &RegistrationError{Code: "invalid_redirect_uri", Message: err.Error()}
	}
	return nil
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, authMethod string) (string, string, error) {
	switch authMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic,
		TokenEndpointAuthMethodPost, TokenEndpointAuthMethodPrivateKeyJWT,
		TokenEndpointAuthMethodTLSClientAuth:
	default:
		return "", "", invalidMetadata("unsupported token_endpoint_auth_method: %s", authMethod)
	}

	if authMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	} else if clientType == "" {
		clientType = ClientTypeConfidential
	}

	switch clientType {
	case ClientTypePublic, ClientTypeConfidential:
	default:
		return "", "", invalidMetadata("unsupported client type: %s", clientType)
	}

	if authMethod == "" {
		if clientType == ClientTypePublic {
			authMethod = TokenEndpointAuthMethodNone
		} else {
			authMethod = TokenEndpointAuthMethodBasic
		}
	}

	if clientType == ClientTypePublic && authMethod != TokenEndpointAuthMethodNone {
		return "", "", invalidMetadata("public clients must use token_endpoint_auth_method none")
	}

	return clientType, authMethod, nil
}

// resolveGrantAndResponseTypes validates requested grant and response types
// against what this server supports, applying defaults when unspecified.
func resolveGrantAndResponseTypes(grantTypes, responseTypes []string) ([]string, []string, error) {
	if len(grantTypes) == 0 {
		grantTypes = append([]string(nil), supportedGrantTypes...)
	}
	for _, gt := range grantTypes {
		if !containsString(supportedGrantTypes, gt) {
			return nil, nil, invalidMetadata("unsupported grant type: %s", gt)
		}
	}

	if len(responseTypes) == 0 {
		responseTypes = append([]string(nil), supportedResponseTypes...)
	}
	for _, rt := range responseTypes {
		if !containsString(supportedResponseTypes, rt) {
			return nil, nil, invalidMetadata("unsupported response type: %s", rt)
		}
	}

	// authorization_code grant requires the code response type
	if containsString(grantTypes, "authorization_code") && !containsString(responseTypes, "code") {
		return nil, nil, invalidMetadata("authorization_code grant requires the code response type")
	}

	return grantTypes, responseTypes, nil
}

// validateAuthMethodCredentials checks that the metadata required by the
// chosen auth method was supplied and is well formed.
func validateAuthMethodCredentials(authMethod string, reg *ClientRegistration) error {
	switch authMethod {
	case TokenEndpointAuthMethodPrivateKeyJWT:
		if reg.PublicKeyPEM == "" {
			return invalidMetadata("private_key_jwt requires a public key")
		}
		if _, rsaErr := jwt.ParseRSAPublicKeyFromPEM([]byte(reg.PublicKeyPEM)); rsaErr != nil {
			if _, ecErr := jwt.ParseECPublicKeyFromPEM([]byte(reg.PublicKeyPEM)); ecErr != nil {
				return invalidMetadata("public key is not a valid RSA or EC PEM key")
			}
		}
	case TokenEndpointAuthMethodTLSClientAuth:
		if reg.TLSSubjectDN == "" {
			return invalidMetadata("tls_client_auth requires a certificate subject DN")
		}
	}
	return nil
}

// generateClientSecret generates a secret for clients that authenticate with
// one. Key-based and certificate-based confidential clients get none.
func generateClientSecret(clientType, authMethod string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}
	if authMethod != TokenEndpointAuthMethodBasic && authMethod != TokenEndpointAuthMethodPost {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// trackClientIPAndLog tracks the IP for DoS protection and logs the registration.
func (s *Server) trackClientIPAndLog(client *storage.Client, clientIP string) {
	if tracker, ok := s.clientStore.(storage.ClientIPTracker); ok {
		tracker.TrackClientIP(clientIP)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)
}

// GetClient retrieves a client by ID (for use by handler)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// GetRegisteredClient retrieves a client's registration after verifying the
// presented registration access token (RFC 7592 read).
func (s *Server) GetRegisteredClient(ctx context.Context, clientID, registrationToken string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrRegistrationAccessDenied
	}
	if err := s.checkRegistrationToken(client, registrationToken); err != nil {
		return nil, err
	}
	return client, nil
}

// UpdateClient replaces a client's mutable registration metadata after
// verifying the registration access token. The client_id, secrets, and
// registration token are preserved; auth method changes are not supported.
func (s *Server) UpdateClient(ctx context.Context, clientID, registrationToken string, reg *ClientRegistration, clientIP string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrRegistrationAccessDenied
	}
	if err := s.checkRegistrationToken(client, registrationToken); err != nil {
		return nil, err
	}

	if err := s.validateRedirectURIsWithAudit(ctx, reg.RedirectURIs, clientIP); err != nil {
		return nil, err
	}
	if err := s.validateClientScopes(reg.Scopes); err != nil {
		return nil, invalidMetadata("%v", err)
	}
	grantTypes, responseTypes, err := resolveGrantAndResponseTypes(reg.GrantTypes, reg.ResponseTypes)
	if err != nil {
		return nil, err
	}

	updated := *client
	updated.RedirectURIs = reg.RedirectURIs
	updated.GrantTypes = grantTypes
	updated.ResponseTypes = responseTypes
	updated.Scopes = reg.Scopes
	if reg.ClientName != "" {
		updated.ClientName = reg.ClientName
	}

	if err := s.clientStore.SaveClient(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientUpdated(clientID, clientIP)
	}
	s.Logger.Info("Updated OAuth client registration", "client_id", clientID)
	return &updated, nil
}

// DeleteClient removes a client registration after verifying the
// registration access token (RFC 7592 delete).
func (s *Server) DeleteClient(ctx context.Context, clientID, registrationToken, clientIP string) error {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return ErrRegistrationAccessDenied
	}
	if err := s.checkRegistrationToken(client, registrationToken); err != nil {
		return err
	}

	if err := s.clientStore.DeleteClient(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}

	// Deleting a client orphans its tokens; revoke them for every subject.
	if s.revocationStore != nil {
		if _, err := s.revocationStore.RevokeAllTokensForClientSubject(ctx, clientID, ""); err != nil {
			s.Logger.Error("Failed to revoke tokens for deleted client",
				"client_id", clientID,
				"error", err)
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogClientDeleted(clientID, clientIP)
	}
	s.Logger.Info("Deleted OAuth client registration", "client_id", clientID)
	return nil
}

// ClientSummary is the administrative view of a registered client. It
// carries no credential material (secret hash, registration token).
type ClientSummary struct {
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name,omitempty"`
	ClientType string    `json:"client_type"`
	GrantTypes []string  `json:"grant_types"`
	Scopes     []string  `json:"scopes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListClients returns summaries of all registered clients, for
// administrative use.
func (s *Server) ListClients(ctx context.Context) ([]*ClientSummary, error) {
	clients, err := s.clientStore.ListClients(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]*ClientSummary, 0, len(clients))
	for _, client := range clients {
		summaries = append(summaries, &ClientSummary{
			ClientID:   client.ClientID,
			ClientName: client.ClientName,
			ClientType: client.ClientType,
			GrantTypes: client.GrantTypes,
			Scopes:     client.Scopes,
			CreatedAt:  client.CreatedAt,
		})
	}
	return summaries, nil
}

// checkRegistrationToken verifies a presented registration access token
// against the client's own token and the master token, in constant time.
func (s *Server) checkRegistrationToken(client *storage.Client, presented string) error {
	if presented == "" {
		return ErrRegistrationAccessDenied
	}

	// The master token always grants management access.
	if s.Config.RegistrationAccessToken != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(s.Config.RegistrationAccessToken)) == 1 {
		return nil
	}

	if client.RegistrationAccessToken == "" {
		return ErrRegistrationAccessDenied
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(client.RegistrationAccessToken)) != 1 {
		return ErrRegistrationAccessDenied
	}
	if !client.RegistrationTokenExpiresAt.IsZero() && time.Now().After(client.RegistrationTokenExpiresAt) {
		return ErrRegistrationAccessDenied
	}
	return nil
}

// AuthorizeRegistration checks whether a registration request may proceed:
// either public registration is enabled or the master token was presented.
func (s *Server) AuthorizeRegistration(presented string) error {
	if s.Config.AllowPublicClientRegistration {
		return nil
	}
	if s.Config.RegistrationAccessToken == "" {
		return ErrRegistrationAccessDenied
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.Config.RegistrationAccessToken)) != 1 {
		return ErrRegistrationAccessDenied
	}
	return nil
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
