package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/authsrv/oauth/internal/util"
	"github.com/authsrv/oauth/security"
	"github.com/authsrv/oauth/storage"
)

// OAuth error codes (RFC 6749 Section 5.2, RFC 8707).
// Note: These are intentionally duplicated from the root package to avoid
// circular imports (root package imports server, server can't import root).
const (
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidTarget        = "invalid_target"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
)

// AuthorizationRequest carries the parameters of an authorization request
// (GET or POST /oauth/authorize) plus the authenticated end-user. User
// authentication itself is out of scope here; the embedding application
// establishes the subject and passes it in.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string

	// Subject is the authenticated end-user granting access.
	Subject string

	// IPAddress of the requester, for audit logging.
	IPAddress string
}

// AuthorizationGrant is the successful outcome of an authorization request:
// a single-use code to deliver to the client's redirect URI.
type AuthorizationGrant struct {
	Code        string
	State       string
	RedirectURI string
}

// TokenExchangeRequest carries the parameters of an authorization_code
// token request. The client has already been authenticated.
type TokenExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	Resource     string
	IPAddress    string
}

// TokenGrant is a successful token response.
type TokenGrant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string

	// PKCEMethod is the challenge method the redeemed authorization code
	// was bound to. Empty for refresh grants.
	PKCEMethod string
}

// StartAuthorizationFlow validates an authorization request and issues a
// single-use authorization code bound to the client, redirect URI, scope,
// PKCE challenge, and resource.
//
// Validation order matters for error delivery: failures before the redirect
// URI is validated must be shown to the user directly, never bounced to an
// unverified URI. The HTTP layer distinguishes the two cases with
// ErrUnsafeToRedirect.
func (s *Server) StartAuthorizationFlow(ctx context.Context, req *AuthorizationRequest) (*AuthorizationGrant, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Logger.Debug("Authorization request for unknown client",
			"client_id", util.SafeTruncate(req.ClientID, 32))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.IPAddress, ErrorCodeInvalidClient)
		}
		return nil, unsafeToRedirect(fmt.Errorf("%s: unknown client", ErrorCodeInvalidClient))
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidRedirect(req.ClientID, req.IPAddress, req.RedirectURI, err.Error())
		}
		return nil, unsafeToRedirect(fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err))
	}

	// From here on, errors may be delivered to the validated redirect URI.

	if req.ResponseType != "code" {
		return nil, fmt.Errorf("%s: unsupported response_type: %s", ErrorCodeInvalidRequest, req.ResponseType)
	}

	if !client.SupportsGrantType("authorization_code") {
		return nil, fmt.Errorf("%s: client is not authorized for the authorization_code grant", ErrorCodeUnauthorizedClient)
	}

	if err := s.validateScopes(req.Scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.IPAddress, fmt.Sprintf("%s: %v", ErrorCodeInvalidScope, err))
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}
	if err := s.validateRequestedClientScopes(req.Scope, client.Scopes); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				ClientID:  req.ClientID,
				IPAddress: req.IPAddress,
			})
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidScope, err)
	}

	if err := s.validateStateParameter(req.State); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}

	// RFC 7636 Section 4.3: the method defaults to plain when omitted,
	// which is only accepted when explicitly configured.
	method := req.CodeChallengeMethod
	if method == "" && req.CodeChallenge != "" {
		method = PKCEMethodPlain
	}
	if err := s.validateCodeChallenge(req.CodeChallenge, method); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogInvalidPKCE(req.ClientID, req.IPAddress, err.Error())
		}
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidRequest, err)
	}
	if method == PKCEMethodPlain && req.CodeChallenge != "" && s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEPlainMethodUsed,
			ClientID:  req.ClientID,
			IPAddress: req.IPAddress,
		})
	}

	if err := validateResourceIndicator(req.Resource); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidTarget, err)
	}

	if req.Subject == "" {
		return nil, fmt.Errorf("%s: no authenticated subject for authorization request", ErrorCodeServerError)
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Resource:            req.Resource,
		Subject:             req.Subject,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return nil, fmt.Errorf("%s: failed to save authorization code", ErrorCodeServerError)
	}

	s.Logger.Info("Issued authorization code",
		"client_id", client.ClientID,
		"subject_prefix", util.SafeTruncate(req.Subject, 8),
		"code_prefix", util.SafeTruncate(code.Code, 8),
		"scope", req.Scope)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationCodeIssued,
			ClientID:  client.ClientID,
			Subject:   req.Subject,
			IPAddress: req.IPAddress,
		})
	}

	return &AuthorizationGrant{
		Code:        code.Code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, nil
}

// ExchangeAuthorizationCode redeems an authorization code for tokens. The
// client must already be authenticated. Every grant validation failure maps
// to a generic invalid_grant; details are logged at debug level so the token
// endpoint cannot be used to probe code state.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, req *TokenExchangeRequest) (*TokenGrant, error) {
	code, err := s.flowStore.AtomicCheckAndMarkAuthCodeUsed(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyUsed) && code != nil {
			// Code replay. Someone holds a code that was already
			// redeemed: revoke everything issued from this grant.
			s.containTokenReuse(ctx, security.EventAuthorizationCodeReuseDetected,
				code.ClientID, code.Subject, req.IPAddress)
			return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}
		s.Logger.Debug("Authorization code redemption failed",
			"code_prefix", util.SafeTruncate(req.Code, 8),
			"error", err)
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if code.ClientID != client.ClientID {
		s.Logger.Debug("Authorization code presented by wrong client",
			"code_client_id", code.ClientID,
			"presenting_client_id", client.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogSuspiciousActivity(code.Subject, client.ClientID, req.IPAddress,
				"authorization code presented by a different client")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if req.RedirectURI != code.RedirectURI {
		s.Logger.Debug("Token request redirect_uri does not match authorization request",
			"client_id", client.ClientID)
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Logger.Debug("PKCE verification failed",
			"client_id", client.ClientID,
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogInvalidPKCE(client.ClientID, req.IPAddress, err.Error())
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	resource := code.Resource
	if req.Resource != "" {
		if code.Resource != "" && util.NormalizeURL(req.Resource) != util.NormalizeURL(code.Resource) {
			s.Logger.Debug("Token request resource does not match authorization request",
				"client_id", client.ClientID)
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventResourceMismatch,
					ClientID:  client.ClientID,
					Subject:   code.Subject,
					IPAddress: req.IPAddress,
				})
			}
			return nil, fmt.Errorf("%s: resource does not match authorization request", ErrorCodeInvalidTarget)
		}
		if err := validateResourceIndicator(req.Resource); err != nil {
			return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidTarget, err)
		}
		resource = req.Resource
	}

	grant, err := s.issueTokens(ctx, client, code.Subject, code.Scope, resource, req.IPAddress, false)
	if err != nil {
		return nil, err
	}
	grant.PKCEMethod = code.CodeChallengeMethod
	return grant, nil
}

// RefreshAccessToken redeems a refresh token for a fresh token pair.
// The presented token is atomically marked used; every refresh rotates the
// refresh token and revokes the access token it was issued alongside.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, requestedScope, requestedResource, ipAddress string) (*TokenGrant, error) {
	record, err := s.tokenStore.AtomicRedeemRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyUsed) && record != nil {
			// Rotated-out token replayed: containment per OAuth 2.1
			// Section 4.3.1. Either the legitimate client or an
			// attacker holds the successor; revoking both ends the
			// session.
			s.containTokenReuse(ctx, security.EventRefreshTokenReuseDetected,
				record.ClientID, record.Subject, ipAddress)
			return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
		}
		s.Logger.Debug("Refresh token redemption failed",
			"token_prefix", util.SafeTruncate(refreshToken, 8),
			"error", err)
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if record.ClientID != client.ClientID {
		s.Logger.Debug("Refresh token presented by wrong client",
			"token_client_id", record.ClientID,
			"presenting_client_id", client.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogSuspiciousActivity(record.Subject, client.ClientID, ipAddress,
				"refresh token presented by a different client")
		}
		return nil, fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
	}

	if !client.SupportsGrantType("refresh_token") {
		return nil, fmt.Errorf("%s: client is not authorized for the refresh_token grant", ErrorCodeUnauthorizedClient)
	}

	// Scope may be narrowed on refresh, never widened (RFC 6749 Section 6).
	scope := record.Scope
	if requestedScope != "" {
		if !scopeIsSubset(requestedScope, record.Scope) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventScopeEscalationAttempt,
					ClientID:  client.ClientID,
					Subject:   record.Subject,
					IPAddress: ipAddress,
				})
			}
			return nil, fmt.Errorf("%s: requested scope exceeds originally granted scope", ErrorCodeInvalidScope)
		}
		scope = requestedScope
	}

	resource := record.Resource
	if requestedResource != "" {
		if record.Resource != "" && util.NormalizeURL(requestedResource) != util.NormalizeURL(record.Resource) {
			return nil, fmt.Errorf("%s: resource does not match original grant", ErrorCodeInvalidTarget)
		}
		if err := validateResourceIndicator(requestedResource); err != nil {
			return nil, fmt.Errorf("%s: %w", ErrorCodeInvalidTarget, err)
		}
		resource = requestedResource
	}

	// The access token issued alongside the old refresh token dies with it.
	if record.AccessTokenJTI != "" {
		if _, err := s.tokenStore.DeleteAccessToken(ctx, record.AccessTokenJTI); err != nil {
			s.Logger.Error("Failed to revoke rotated-out access token",
				"jti", util.SafeTruncate(record.AccessTokenJTI, 8),
				"error", err)
		}
	}

	grant, err := s.issueTokens(ctx, client, record.Subject, scope, resource, ipAddress, true)
	if err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.Subject, client.ClientID, ipAddress, true)
	}
	return grant, nil
}

// issueTokens mints the access token and, when the client supports it, a
// refresh token for the grant.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, subject, scope, resource, ipAddress string, isRefresh bool) (*TokenGrant, error) {
	accessToken, record, err := s.IssueAccessToken(ctx, client.ClientID, subject, scope, resource, 0)
	if err != nil {
		s.Logger.Error("Failed to issue access token",
			"client_id", client.ClientID,
			"error", err)
		return nil, fmt.Errorf("%s: failed to issue access token", ErrorCodeServerError)
	}

	grant := &TokenGrant{
		AccessToken: accessToken,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(time.Until(record.ExpiresAt).Seconds()),
		Scope:       scope,
	}

	if client.SupportsGrantType("refresh_token") {
		rt, err := s.IssueRefreshToken(ctx, client.ClientID, subject, scope, resource, record.JTI)
		if err != nil {
			s.Logger.Error("Failed to issue refresh token",
				"client_id", client.ClientID,
				"error", err)
			return nil, fmt.Errorf("%s: failed to issue refresh token", ErrorCodeServerError)
		}
		grant.RefreshToken = rt.Token
	}

	if !isRefresh {
		s.Logger.Info("Issued tokens for authorization code grant",
			"client_id", client.ClientID,
			"subject_prefix", util.SafeTruncate(subject, 8),
			"scope", scope)
		if s.Auditor != nil {
			s.Auditor.LogTokenIssued(subject, client.ClientID, ipAddress, scope)
		}
	}

	return grant, nil
}

// scopeIsSubset reports whether every scope in requested is present in granted.
func scopeIsSubset(requested, granted string) bool {
	grantedSet := make(map[string]bool)
	for _, sc := range strings.Fields(granted) {
		grantedSet[sc] = true
	}
	for _, sc := range strings.Fields(requested) {
		if !grantedSet[sc] {
			return false
		}
	}
	return true
}

// unsafeRedirectError wraps errors that occurred before the redirect URI was
// validated. The HTTP layer must render these directly and never redirect.
type unsafeRedirectError struct {
	err error
}

func (e *unsafeRedirectError) Error() string { return e.err.Error() }
func (e *unsafeRedirectError) Unwrap() error { return e.err }

func unsafeToRedirect(err error) error {
	return &unsafeRedirectError{err: err}
}

// ErrUnsafeToRedirect reports whether an authorization flow error must be
// rendered to the user directly instead of being delivered via redirect.
func ErrUnsafeToRedirect(err error) bool {
	var ue *unsafeRedirectError
	return errors.As(err, &ue)
}
