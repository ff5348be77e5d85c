// Package testutil provides storage record fixtures shared by tests.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/authsrv/oauth/storage"
)

// GenerateTestClient returns a registered confidential client fixture.
// The secret hash is bcrypt("secret").
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy",
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "email", "profile"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationCode returns an unused code bound to an S256
// challenge, expiring in ten minutes.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	verifier := GenerateRandomString(50)
	sum := sha256.Sum256([]byte(verifier))
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid email profile",
		CodeChallenge:       base64.RawURLEncoding.EncodeToString(sum[:]),
		CodeChallengeMethod: "S256",
		Subject:             "test-user-123",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestAccessTokenRecord returns a live access token index entry.
func GenerateTestAccessTokenRecord() *storage.AccessTokenRecord {
	return &storage.AccessTokenRecord{
		JTI:       GenerateRandomString(32),
		ClientID:  "test-client-id",
		Subject:   "test-user-123",
		Scope:     "openid email profile",
		Resource:  "https://api.example.com",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// GenerateTestRefreshToken returns an unused refresh token tied to a
// fresh access token JTI.
func GenerateTestRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:          GenerateRandomString(32),
		ClientID:       "test-client-id",
		Subject:        "test-user-123",
		Scope:          "openid email profile",
		AccessTokenJTI: GenerateRandomString(32),
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(2 * time.Hour),
	}
}

// GenerateRandomString returns length characters of base64url-encoded
// randomness.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}
