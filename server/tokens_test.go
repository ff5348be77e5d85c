package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAccessToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	t.Run("claims carry the grant", func(t *testing.T) {
		signed, record, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "read write", "https://api.example.com", 0)
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		if record.JTI == "" {
			t.Error("expected non-empty jti")
		}

		claims := &accessTokenClaims{}
		_, err = jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (interface{}, error) {
			return srv.Config.SigningKey, nil
		})
		if err != nil {
			t.Fatalf("parse error = %v", err)
		}
		if claims.Issuer != srv.Config.Issuer {
			t.Errorf("iss = %q, want %q", claims.Issuer, srv.Config.Issuer)
		}
		if claims.Subject != "user-1" || claims.ClientID != "client-a" {
			t.Errorf("sub/client_id = %q/%q", claims.Subject, claims.ClientID)
		}
		if !audienceContains(claims.Audience, "https://api.example.com") {
			t.Errorf("aud = %v, want resource", claims.Audience)
		}
		if claims.Scope != "read write" {
			t.Errorf("scope = %q", claims.Scope)
		}
	})

	t.Run("audience falls back to issuer without a resource", func(t *testing.T) {
		signed, _, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "", "", 0)
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		claims := &accessTokenClaims{}
		if _, err := jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (interface{}, error) {
			return srv.Config.SigningKey, nil
		}); err != nil {
			t.Fatalf("parse error = %v", err)
		}
		if !audienceContains(claims.Audience, srv.Config.Issuer) {
			t.Errorf("aud = %v, want issuer", claims.Audience)
		}
	})

	t.Run("ttl is clamped to the configured maximum", func(t *testing.T) {
		for _, requested := range []int64{-1, 0, 86400} {
			_, record, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "", "", requested)
			if err != nil {
				t.Fatalf("IssueAccessToken(%d) error = %v", requested, err)
			}
			ttl := record.ExpiresAt.Sub(record.IssuedAt)
			if ttl != time.Duration(srv.Config.AccessTokenTTL)*time.Second {
				t.Errorf("ttl for requested %d = %v, want %ds", requested, ttl, srv.Config.AccessTokenTTL)
			}
		}

		_, record, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "", "", 60)
		if err != nil {
			t.Fatalf("IssueAccessToken(60) error = %v", err)
		}
		if got := record.ExpiresAt.Sub(record.IssuedAt); got != time.Minute {
			t.Errorf("ttl = %v, want 1m", got)
		}
	})

	t.Run("configured ttl cannot exceed the hard cap", func(t *testing.T) {
		srv, _ := newTestServer(t)
		srv.Config.AccessTokenTTL = 7200

		for _, requested := range []int64{0, 7200} {
			_, record, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "", "", requested)
			if err != nil {
				t.Fatalf("IssueAccessToken(%d) error = %v", requested, err)
			}
			ttl := record.ExpiresAt.Sub(record.IssuedAt)
			if ttl != MaxAccessTokenTTL*time.Second {
				t.Errorf("ttl for requested %d = %v, want %v", requested, ttl, MaxAccessTokenTTL*time.Second)
			}
		}
	})
}

func TestValidateAccessToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	signed, record, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "read", "https://api.example.com", 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	t.Run("valid token", func(t *testing.T) {
		info, err := srv.ValidateAccessToken(ctx, signed, "")
		if err != nil {
			t.Fatalf("ValidateAccessToken() error = %v", err)
		}
		if info.JTI != record.JTI || info.Subject != "user-1" || info.Scope != "read" {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("matching audience", func(t *testing.T) {
		if _, err := srv.ValidateAccessToken(ctx, signed, "https://api.example.com"); err != nil {
			t.Errorf("ValidateAccessToken() error = %v", err)
		}
	})

	t.Run("audience mismatch rejected", func(t *testing.T) {
		if _, err := srv.ValidateAccessToken(ctx, signed, "https://other.example.com"); err == nil {
			t.Error("expected error for wrong audience")
		}
	})

	t.Run("tampered token rejected", func(t *testing.T) {
		tampered := signed[:len(signed)-4] + "AAAA"
		if _, err := srv.ValidateAccessToken(ctx, tampered, ""); err == nil {
			t.Error("expected error for tampered signature")
		}
	})

	t.Run("token signed with another key rejected", func(t *testing.T) {
		other := jwt.NewWithClaims(jwt.SigningMethodHS256, &accessTokenClaims{
			ClientID: "client-a",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    srv.Config.Issuer,
				Subject:   "user-1",
				ID:        record.JTI,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		forged, err := other.SignedString([]byte(strings.Repeat("x", 32)))
		if err != nil {
			t.Fatalf("sign error = %v", err)
		}
		if _, err := srv.ValidateAccessToken(ctx, forged, ""); err == nil {
			t.Error("expected error for foreign signing key")
		}
	})

	t.Run("revoked token rejected despite valid signature", func(t *testing.T) {
		revokable, rec, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "", "", 0)
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		if err := srv.RevokeToken(ctx, revokable, "client-a", ""); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if _, err := srv.ValidateAccessToken(ctx, revokable, ""); err == nil {
			t.Errorf("jti %s should be inactive after revocation", rec.JTI)
		}
	})
}

func TestValidateResourceAccess(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	signed, _, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "read write", "https://api.example.com", 0)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	tests := []struct {
		name     string
		resource string
		required []string
		wantErr  bool
	}{
		{"all scopes present", "https://api.example.com", []string{"read", "write"}, false},
		{"subset present", "https://api.example.com", []string{"read"}, false},
		{"no scopes required", "https://api.example.com", nil, false},
		{"missing scope", "https://api.example.com", []string{"admin"}, true},
		{"wrong resource", "https://other.example.com", []string{"read"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.ValidateResourceAccess(ctx, signed, tt.resource, tt.required)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateResourceAccess() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRevokeToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	t.Run("revoking unknown token is not an error", func(t *testing.T) {
		if err := srv.RevokeToken(ctx, "no-such-token", "client-a", ""); err != nil {
			t.Errorf("RevokeToken() error = %v", err)
		}
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		signed, _, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "", "", 0)
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		if err := srv.RevokeToken(ctx, signed, "client-a", ""); err != nil {
			t.Fatalf("first revoke error = %v", err)
		}
		if err := srv.RevokeToken(ctx, signed, "client-a", ""); err != nil {
			t.Errorf("second revoke error = %v", err)
		}
	})

	t.Run("revokes refresh tokens", func(t *testing.T) {
		rt, err := srv.IssueRefreshToken(ctx, "client-a", "user-1", "", "", "jti-1")
		if err != nil {
			t.Fatalf("IssueRefreshToken() error = %v", err)
		}
		if err := srv.RevokeToken(ctx, rt.Token, "client-a", ""); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if res := srv.IntrospectToken(ctx, rt.Token, "client-a", ""); res.Active {
			t.Error("refresh token still active after revocation")
		}
	})
}

func TestIntrospectToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	t.Run("active access token", func(t *testing.T) {
		signed, record, err := srv.IssueAccessToken(ctx, "client-a", "user-1", "read", "https://api.example.com", 0)
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		res := srv.IntrospectToken(ctx, signed, "client-a", "")
		if !res.Active {
			t.Fatal("expected active")
		}
		if res.Subject != "user-1" || res.ClientID != "client-a" || res.Scope != "read" {
			t.Errorf("result = %+v", res)
		}
		if res.JTI != record.JTI {
			t.Errorf("jti = %q, want %q", res.JTI, record.JTI)
		}
	})

	t.Run("active refresh token", func(t *testing.T) {
		rt, err := srv.IssueRefreshToken(ctx, "client-a", "user-1", "read", "", "jti-2")
		if err != nil {
			t.Fatalf("IssueRefreshToken() error = %v", err)
		}
		res := srv.IntrospectToken(ctx, rt.Token, "client-a", "")
		if !res.Active || res.TokenType != "refresh_token" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("inactive results carry no metadata", func(t *testing.T) {
		for name, token := range map[string]string{
			"garbage":    "not-a-token",
			"jwt-shaped": "aaa.bbb.ccc",
			"empty":      "",
		} {
			res := srv.IntrospectToken(ctx, token, "client-a", "")
			if res.Active {
				t.Errorf("%s: expected inactive", name)
			}
			if res.Subject != "" || res.ClientID != "" || res.Scope != "" || res.ExpiresAt != 0 {
				t.Errorf("%s: inactive result leaks metadata: %+v", name, res)
			}
		}
	})
}
