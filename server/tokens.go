package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authsrv/oauth/internal/util"
	"github.com/authsrv/oauth/security"
	"github.com/authsrv/oauth/storage"
)

// tokenTypeBearer is the token_type value returned with access tokens.
const tokenTypeBearer = "Bearer"

// accessTokenClaims is the JWT claim set carried by access tokens.
type accessTokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	Resource string `json:"resource,omitempty"`
	jwt.RegisteredClaims
}

// TokenInfo describes a validated access token.
type TokenInfo struct {
	JTI       string
	Subject   string
	ClientID  string
	Scope     string
	Resource  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IntrospectionResult is the outcome of a token introspection.
// When Active is false all other fields are zero; callers must not
// reveal why a token is inactive (RFC 7662 Section 2.2).
type IntrospectionResult struct {
	Active    bool
	Scope     string
	ClientID  string
	Subject   string
	TokenType string
	Audience  string
	IssuedAt  int64
	ExpiresAt int64
	JTI       string
}

// ErrInvalidToken is returned when an access token fails validation.
// The reason is logged internally but never exposed to callers.
var ErrInvalidToken = errors.New("invalid token")

// MaxAccessTokenTTL is the hard upper bound on access-token lifetime in
// seconds. Config.AccessTokenTTL may lower it but never raise it.
const MaxAccessTokenTTL = 3600

// IssueAccessToken mints a signed JWT access token for the given subject and
// client, records its jti in the active-token index, and returns the signed
// token alongside its record. A non-positive or oversized ttl is clamped to
// Config.AccessTokenTTL, itself capped at MaxAccessTokenTTL.
func (s *Server) IssueAccessToken(ctx context.Context, clientID, subject, scope, resource string, ttl int64) (string, *storage.AccessTokenRecord, error) {
	maxTTL := s.Config.AccessTokenTTL
	if maxTTL <= 0 || maxTTL > MaxAccessTokenTTL {
		maxTTL = MaxAccessTokenTTL
	}
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}

	now := time.Now()
	jti := uuid.NewString()

	// The audience is the requested resource when one was bound to the
	// grant, otherwise the issuer itself (RFC 8707).
	audience := resource
	if audience == "" {
		audience = s.Config.Issuer
	}

	claims := &accessTokenClaims{
		ClientID: clientID,
		Scope:    scope,
		Resource: resource,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Config.SigningKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	record := &storage.AccessTokenRecord{
		JTI:       jti,
		ClientID:  clientID,
		Subject:   subject,
		Scope:     scope,
		Resource:  resource,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to save access token record: %w", err)
	}

	return signed, record, nil
}

// IssueRefreshToken creates an opaque refresh token bound to the same grant
// as the given access token jti.
func (s *Server) IssueRefreshToken(ctx context.Context, clientID, subject, scope, resource, accessTokenJTI string) (*storage.RefreshToken, error) {
	now := time.Now()
	rt := &storage.RefreshToken{
		Token:          generateRandomToken(),
		ClientID:       clientID,
		Subject:        subject,
		Scope:          scope,
		Resource:       resource,
		AccessTokenJTI: accessTokenJTI,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return rt, nil
}

// ValidateAccessToken verifies an access token's signature and claims, checks
// that it has not been revoked, and, when resource is non-empty, requires the
// token's audience to match it exactly. All failures collapse to
// ErrInvalidToken; the specific reason is logged at debug level only.
func (s *Server) ValidateAccessToken(ctx context.Context, tokenString, resource string) (*TokenInfo, error) {
	claims := &accessTokenClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.Config.SigningKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Config.Issuer),
		jwt.WithLeeway(time.Duration(s.Config.ClockSkewGracePeriod)*time.Second),
	)
	if err != nil || !parsed.Valid {
		s.Logger.Debug("Access token validation failed", "error", err)
		return nil, ErrInvalidToken
	}

	if claims.ID == "" {
		s.Logger.Debug("Access token missing jti claim")
		return nil, ErrInvalidToken
	}

	// A valid signature is not enough: the jti must still be in the
	// active-token index. Revocation removes it.
	record, err := s.tokenStore.GetAccessToken(ctx, claims.ID)
	if err != nil {
		s.Logger.Debug("Access token not active",
			"jti", util.SafeTruncate(claims.ID, 8),
			"error", err)
		return nil, ErrInvalidToken
	}

	if resource != "" {
		if !audienceContains(claims.Audience, resource) {
			s.Logger.Debug("Access token audience mismatch",
				"jti", util.SafeTruncate(claims.ID, 8),
				"expected", resource)
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventResourceMismatch,
					ClientID: claims.ClientID,
					Subject:  claims.Subject,
				})
			}
			return nil, ErrInvalidToken
		}
	}

	return &TokenInfo{
		JTI:       claims.ID,
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		Resource:  claims.Resource,
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// audienceContains reports whether the audience claim contains an exact
// match for the given value. No prefix or suffix matching is performed.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, a := range aud {
		if a == value {
			return true
		}
	}
	return false
}

// ValidateResourceAccess validates an access token for a resource server and
// additionally requires every scope in requiredScopes to be present in the
// token's granted scope.
func (s *Server) ValidateResourceAccess(ctx context.Context, tokenString, resource string, requiredScopes []string) (*TokenInfo, error) {
	info, err := s.ValidateAccessToken(ctx, tokenString, resource)
	if err != nil {
		return nil, err
	}

	granted := make(map[string]bool)
	for _, sc := range strings.Fields(info.Scope) {
		granted[sc] = true
	}
	for _, required := range requiredScopes {
		if !granted[required] {
			s.Logger.Debug("Insufficient scope for resource access",
				"required", required,
				"client_id", info.ClientID)
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventInsufficientScope,
					ClientID: info.ClientID,
					Subject:  info.Subject,
					Details:  map[string]any{"required_scope": required},
				})
			}
			return nil, ErrInvalidToken
		}
	}

	return info, nil
}

// RevokeToken revokes a single token of either kind. JWT-shaped tokens are
// treated as access tokens and removed from the active index by jti; anything
// else is treated as a refresh token. Unknown or already-revoked tokens are
// not an error (RFC 7009 Section 2.2).
func (s *Server) RevokeToken(ctx context.Context, token, clientID, ipAddress string) error {
	if jti, ok := s.accessTokenJTI(token); ok {
		deleted, err := s.tokenStore.DeleteAccessToken(ctx, jti)
		if err != nil {
			return fmt.Errorf("failed to revoke access token: %w", err)
		}
		if deleted && s.Auditor != nil {
			s.Auditor.LogTokenRevoked("", clientID, ipAddress, "access_token")
		}
		return nil
	}

	deleted, err := s.tokenStore.DeleteRefreshToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if deleted && s.Auditor != nil {
		s.Auditor.LogTokenRevoked("", clientID, ipAddress, "refresh_token")
	}
	return nil
}

// accessTokenJTI extracts the jti from a token string if it is a structurally
// valid JWT signed by this server. The signature is verified so that a forged
// JWT cannot be used to probe the active-token index.
func (s *Server) accessTokenJTI(token string) (string, bool) {
	if strings.Count(token, ".") != 2 {
		return "", false
	}
	claims := &accessTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.Config.SigningKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		// Expired tokens may still be revoked.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid || claims.ID == "" {
		return "", false
	}
	return claims.ID, true
}

// IntrospectToken reports the state and metadata of a token (RFC 7662).
// Inactive tokens of any kind, for any reason, produce {Active: false} with
// no further detail so introspection cannot be used as an oracle.
func (s *Server) IntrospectToken(ctx context.Context, token, clientID, ipAddress string) *IntrospectionResult {
	inactive := &IntrospectionResult{Active: false}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventTokenIntrospected,
			ClientID:  clientID,
			IPAddress: ipAddress,
		})
	}

	if strings.Count(token, ".") == 2 {
		info, err := s.ValidateAccessToken(ctx, token, "")
		if err != nil {
			return inactive
		}
		return &IntrospectionResult{
			Active:    true,
			Scope:     info.Scope,
			ClientID:  info.ClientID,
			Subject:   info.Subject,
			TokenType: tokenTypeBearer,
			Audience:  info.Resource,
			IssuedAt:  info.IssuedAt.Unix(),
			ExpiresAt: info.ExpiresAt.Unix(),
			JTI:       info.JTI,
		}
	}

	rt, err := s.tokenStore.GetRefreshToken(ctx, token)
	if err != nil || rt == nil || rt.Used {
		return inactive
	}
	return &IntrospectionResult{
		Active:    true,
		Scope:     rt.Scope,
		ClientID:  rt.ClientID,
		Subject:   rt.Subject,
		TokenType: "refresh_token",
		Audience:  rt.Resource,
		IssuedAt:  rt.CreatedAt.Unix(),
		ExpiresAt: rt.ExpiresAt.Unix(),
	}
}

// RevokeAllTokensForUserClient revokes every access and refresh token issued
// to the given (client, subject) pair. Used for reuse containment and for
// administrative revocation.
func (s *Server) RevokeAllTokensForUserClient(ctx context.Context, clientID, subject string) (int, error) {
	if s.revocationStore == nil {
		return 0, fmt.Errorf("storage backend does not support bulk revocation")
	}
	revoked, err := s.revocationStore.RevokeAllTokensForClientSubject(ctx, clientID, subject)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	s.Logger.Info("Revoked all tokens for client and subject",
		"client_id", clientID,
		"subject_prefix", util.SafeTruncate(subject, 8),
		"count", revoked)
	return revoked, nil
}

// containTokenReuse is the containment path for detected code or refresh
// token reuse: revoke everything the (client, subject) pair holds and emit
// an audit event.
func (s *Server) containTokenReuse(ctx context.Context, eventType, clientID, subject, ipAddress string) {
	revoked := 0
	if s.revocationStore != nil {
		n, err := s.revocationStore.RevokeAllTokensForClientSubject(ctx, clientID, subject)
		if err != nil {
			s.Logger.Error("Failed to revoke tokens after reuse detection",
				"client_id", clientID,
				"error", err)
		} else {
			revoked = n
		}
	}

	s.Logger.Warn("Token reuse detected, revoked all tokens for grant",
		"event", eventType,
		"client_id", clientID,
		"subject_prefix", util.SafeTruncate(subject, 8),
		"tokens_revoked", revoked)

	if s.Auditor != nil {
		s.Auditor.LogReuseDetected(eventType, subject, clientID, ipAddress, revoked)
	}
}

// sweepLoop periodically removes expired tokens and codes from storage.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.tokenStore.SweepExpired(ctx)
			if err != nil {
				s.Logger.Error("Token sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.Logger.Debug("Swept expired tokens", "removed", removed)
			}
		case <-s.sweepStop:
			return
		case <-ctx.Done():
			return
		}
	}
}
