package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authsrv/oauth/internal/util"
	"github.com/authsrv/oauth/storage"
)

// ClientAssertionTypeJWTBearer is the client assertion type for
// private_key_jwt authentication (RFC 7523).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ErrInvalidClient is returned for every client authentication failure.
// The specific reason (unknown client, bad secret, expired assertion) is
// logged internally but never distinguished to the caller.
var ErrInvalidClient = errors.New("invalid client credentials")

// ClientAuthRequest carries the credentials presented on a token endpoint
// request. The HTTP layer assembles it from the Authorization header, form
// body, and TLS connection state.
type ClientAuthRequest struct {
	// ClientID as presented, from Basic auth or the form body.
	// May be empty for private_key_jwt, where it is taken from the assertion.
	ClientID string

	// ClientSecret as presented, if any.
	ClientSecret string

	// SecretFromBasicAuth is true when the credentials came from the
	// Authorization header rather than the form body.
	SecretFromBasicAuth bool

	// ClientAssertionType and ClientAssertion carry a JWT assertion
	// for private_key_jwt authentication.
	ClientAssertionType string
	ClientAssertion     string

	// TLSSubjectDN is the subject distinguished name of the verified
	// client certificate, when the connection used mutual TLS.
	TLSSubjectDN string
}

// clientAssertionClaims is the claim set expected in a private_key_jwt
// client assertion (RFC 7523 Section 3).
type clientAssertionClaims struct {
	jwt.RegisteredClaims
}

// AuthenticateClient authenticates a client against its registered
// token_endpoint_auth_method. Public clients (method "none") authenticate by
// client_id alone. Every failure maps to ErrInvalidClient.
func (s *Server) AuthenticateClient(ctx context.Context, req *ClientAuthRequest, ipAddress string) (*storage.Client, error) {
	clientID := req.ClientID
	if clientID == "" && req.ClientAssertion != "" {
		// For private_key_jwt the client_id may only appear inside the
		// assertion. Extract it without verifying; verification happens
		// against the registered key below.
		id, err := unverifiedAssertionSubject(req.ClientAssertion)
		if err != nil {
			s.Logger.Debug("Failed to extract client_id from assertion", "error", err)
			return nil, ErrInvalidClient
		}
		clientID = id
	}
	if clientID == "" {
		return nil, ErrInvalidClient
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		// Perform a dummy secret comparison so unknown clients take the
		// same time as known clients with a wrong secret.
		_ = s.clientStore.ValidateClientSecret(ctx, clientID, req.ClientSecret)
		s.logAuthFailure(clientID, ipAddress, "unknown client")
		return nil, ErrInvalidClient
	}

	switch client.TokenEndpointAuthMethod {
	case TokenEndpointAuthMethodNone:
		// Public client. A presented secret is ignored; possession of
		// the client_id is not a credential, PKCE carries the proof.
		return client, nil

	case TokenEndpointAuthMethodBasic:
		if !req.SecretFromBasicAuth || req.ClientSecret == "" {
			s.logAuthFailure(clientID, ipAddress, "expected Basic auth credentials")
			return nil, ErrInvalidClient
		}
		if err := s.clientStore.ValidateClientSecret(ctx, clientID, req.ClientSecret); err != nil {
			s.logAuthFailure(clientID, ipAddress, "secret validation failed")
			return nil, ErrInvalidClient
		}
		return client, nil

	case TokenEndpointAuthMethodPost:
		if req.SecretFromBasicAuth || req.ClientSecret == "" {
			s.logAuthFailure(clientID, ipAddress, "expected form body credentials")
			return nil, ErrInvalidClient
		}
		if err := s.clientStore.ValidateClientSecret(ctx, clientID, req.ClientSecret); err != nil {
			s.logAuthFailure(clientID, ipAddress, "secret validation failed")
			return nil, ErrInvalidClient
		}
		return client, nil

	case TokenEndpointAuthMethodPrivateKeyJWT:
		if req.ClientAssertionType != ClientAssertionTypeJWTBearer || req.ClientAssertion == "" {
			s.logAuthFailure(clientID, ipAddress, "missing or wrong client assertion type")
			return nil, ErrInvalidClient
		}
		if err := s.verifyClientAssertion(client, req.ClientAssertion); err != nil {
			s.logAuthFailure(clientID, ipAddress, fmt.Sprintf("assertion rejected: %v", err))
			return nil, ErrInvalidClient
		}
		return client, nil

	case TokenEndpointAuthMethodTLSClientAuth:
		if req.TLSSubjectDN == "" || client.TLSSubjectDN == "" {
			s.logAuthFailure(clientID, ipAddress, "missing client certificate")
			return nil, ErrInvalidClient
		}
		if subtle.ConstantTimeCompare([]byte(req.TLSSubjectDN), []byte(client.TLSSubjectDN)) != 1 {
			s.logAuthFailure(clientID, ipAddress, "certificate subject mismatch")
			return nil, ErrInvalidClient
		}
		return client, nil

	default:
		s.logAuthFailure(clientID, ipAddress, "unsupported auth method: "+client.TokenEndpointAuthMethod)
		return nil, ErrInvalidClient
	}
}

// verifyClientAssertion verifies a private_key_jwt client assertion against
// the client's registered public key. Requirements (RFC 7523 Section 3):
// iss and sub both equal the client_id, aud identifies this server's token
// endpoint, exp is in the future, and iat is no older than
// Config.ClientAssertionMaxAge.
func (s *Server) verifyClientAssertion(client *storage.Client, assertion string) error {
	if client.PublicKeyPEM == "" {
		return fmt.Errorf("client has no registered public key")
	}

	claims := &clientAssertionClaims{}
	parsed, err := jwt.ParseWithClaims(assertion, claims,
		func(t *jwt.Token) (interface{}, error) {
			switch t.Method.(type) {
			case *jwt.SigningMethodRSA:
				return jwt.ParseRSAPublicKeyFromPEM([]byte(client.PublicKeyPEM))
			case *jwt.SigningMethodECDSA:
				return jwt.ParseECPublicKeyFromPEM([]byte(client.PublicKeyPEM))
			default:
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
		},
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodES256.Alg(),
		}),
		jwt.WithLeeway(time.Duration(s.Config.ClockSkewGracePeriod)*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return fmt.Errorf("assertion signature or claims invalid: %w", err)
	}

	if claims.Issuer != client.ClientID || claims.Subject != client.ClientID {
		return fmt.Errorf("assertion iss/sub does not match client_id")
	}

	tokenEndpoint := s.Config.Issuer + "/oauth/token"
	if !audienceContains(claims.Audience, tokenEndpoint) && !audienceContains(claims.Audience, s.Config.Issuer) {
		return fmt.Errorf("assertion audience does not identify this server")
	}

	if claims.IssuedAt == nil {
		return fmt.Errorf("assertion missing iat claim")
	}
	maxAge := time.Duration(s.Config.ClientAssertionMaxAge) * time.Second
	skew := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	age := time.Since(claims.IssuedAt.Time)
	if age > maxAge+skew {
		return fmt.Errorf("assertion too old: issued %s ago", age.Round(time.Second))
	}
	if age < -skew {
		return fmt.Errorf("assertion issued in the future")
	}

	return nil
}

// unverifiedAssertionSubject extracts the sub claim from a JWT assertion
// without verifying the signature. Only used to resolve which client's key
// to verify against; never trusted on its own.
func unverifiedAssertionSubject(assertion string) (string, error) {
	claims := &clientAssertionClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(assertion, claims); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("assertion has no sub claim")
	}
	return claims.Subject, nil
}

func (s *Server) logAuthFailure(clientID, ipAddress, reason string) {
	s.Logger.Debug("Client authentication failed",
		"client_id", util.SafeTruncate(clientID, 32),
		"reason", reason)
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, ipAddress, reason)
	}
}
