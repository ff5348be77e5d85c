package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/authsrv/oauth/pkce"
	"github.com/authsrv/oauth/security"
	"github.com/authsrv/oauth/storage"
	"github.com/authsrv/oauth/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigningKey() []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), 2)
}

// newTestServer creates a server over a fresh memory store with secure
// defaults and auditing enabled.
func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := testLogger()
	srv, err := New(store, store, store, &Config{
		Issuer:                  "https://auth.example.com",
		SigningKey:              testSigningKey(),
		RegistrationAccessToken: "test-registration-token",
	}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, true))
	return srv, store
}

// registerTestClient registers a public PKCE client with one redirect URI.
func registerTestClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()

	client, secret, err := srv.RegisterClient(context.Background(), &ClientRegistration{
		ClientName:              "test-app",
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		RedirectURIs:            []string{"https://app.example.com/callback"},
	}, "203.0.113.10")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "" {
		t.Fatalf("public client got a secret")
	}
	return client
}

// registerConfidentialClient registers a client_secret_basic client and
// returns it with its plaintext secret.
func registerConfidentialClient(t *testing.T, srv *Server) (*storage.Client, string) {
	t.Helper()

	client, secret, err := srv.RegisterClient(context.Background(), &ClientRegistration{
		ClientName:              "test-service",
		TokenEndpointAuthMethod: TokenEndpointAuthMethodBasic,
		RedirectURIs:            []string{"https://svc.example.com/callback"},
	}, "203.0.113.11")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret == "" {
		t.Fatalf("confidential client got no secret")
	}
	return client, secret
}

// authorize runs a full authorization request for the client and returns the
// issued code together with the PKCE verifier that redeems it.
func authorize(t *testing.T, srv *Server, client *storage.Client, subject string) (code, verifier string) {
	t.Helper()

	verifier, err := pkce.GenerateVerifier(64)
	if err != nil {
		t.Fatalf("GenerateVerifier() error = %v", err)
	}
	challenge, err := pkce.DeriveChallenge(verifier, pkce.MethodS256)
	if err != nil {
		t.Fatalf("DeriveChallenge() error = %v", err)
	}

	grant, err := srv.StartAuthorizationFlow(context.Background(), &AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		State:               "state-1234567890",
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkce.MethodS256,
		Subject:             subject,
		IPAddress:           "203.0.113.20",
	})
	if err != nil {
		t.Fatalf("StartAuthorizationFlow() error = %v", err)
	}
	return grant.Code, verifier
}

// expireAuthCode rewrites a stored code's expiry into the past.
func expireAuthCode(t *testing.T, store *memory.Store, code string) {
	t.Helper()

	rec, err := store.GetAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	rec.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveAuthorizationCode(context.Background(), rec); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
}
