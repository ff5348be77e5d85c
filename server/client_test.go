package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/authsrv/oauth/internal/util"
)

func TestRegisterClient(t *testing.T) {
	ctx := context.Background()

	t.Run("client id format", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client := registerTestClient(t, srv)
		if !strings.HasPrefix(client.ClientID, "client-") {
			t.Errorf("client id = %q, want client- prefix", client.ClientID)
		}
		if len(client.ClientID) != len("client-")+16 {
			t.Errorf("client id length = %d, want 16 hex chars after prefix", len(client.ClientID))
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client, secret, err := srv.RegisterClient(ctx, &ClientRegistration{
			ClientName:   "defaults",
			RedirectURIs: []string{"https://app.example.com/cb"},
		}, "203.0.113.40")
		if err != nil {
			t.Fatalf("RegisterClient() error = %v", err)
		}
		if client.ClientType != ClientTypeConfidential {
			t.Errorf("type = %q, want confidential", client.ClientType)
		}
		if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
			t.Errorf("auth method = %q, want client_secret_basic", client.TokenEndpointAuthMethod)
		}
		if len(client.GrantTypes) != 2 || len(client.ResponseTypes) != 1 {
			t.Errorf("grants = %v, responses = %v", client.GrantTypes, client.ResponseTypes)
		}
		if secret == "" {
			t.Error("expected a client secret")
		}
		if client.SecretExpiresAt.IsZero() {
			t.Error("expected secret expiry to be set")
		}
		if client.RegistrationAccessToken == "" || client.RegistrationTokenExpiresAt.IsZero() {
			t.Error("expected a registration access token with expiry")
		}
	})

	t.Run("secret is stored hashed", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client, secret := registerConfidentialClient(t, srv)
		if client.ClientSecretHash == secret {
			t.Error("secret stored in plaintext")
		}
		if !strings.HasPrefix(client.ClientSecretHash, "$2a$") && !strings.HasPrefix(client.ClientSecretHash, "$2b$") {
			t.Errorf("hash = %q, want bcrypt", util.SafeTruncate(client.ClientSecretHash, 8))
		}
	})

	t.Run("metadata validation", func(t *testing.T) {
		srv, _ := newTestServer(t)
		tests := []struct {
			name string
			reg  *ClientRegistration
		}{
			{"unsupported grant type", &ClientRegistration{
				RedirectURIs: []string{"https://a.example.com/cb"},
				GrantTypes:   []string{"password"},
			}},
			{"unsupported response type", &ClientRegistration{
				RedirectURIs:  []string{"https://a.example.com/cb"},
				ResponseTypes: []string{"token"},
			}},
			{"unknown auth method", &ClientRegistration{
				RedirectURIs:            []string{"https://a.example.com/cb"},
				TokenEndpointAuthMethod: "self_signed_tls_client_auth",
			}},
			{"public client with secret method", &ClientRegistration{
				RedirectURIs:            []string{"https://a.example.com/cb"},
				ClientType:              ClientTypePublic,
				TokenEndpointAuthMethod: TokenEndpointAuthMethodBasic,
			}},
			{"private_key_jwt without key", &ClientRegistration{
				RedirectURIs:            []string{"https://a.example.com/cb"},
				TokenEndpointAuthMethod: TokenEndpointAuthMethodPrivateKeyJWT,
			}},
			{"private_key_jwt with garbage key", &ClientRegistration{
				RedirectURIs:            []string{"https://a.example.com/cb"},
				TokenEndpointAuthMethod: TokenEndpointAuthMethodPrivateKeyJWT,
				PublicKeyPEM:            "not a pem key",
			}},
			{"tls_client_auth without subject", &ClientRegistration{
				RedirectURIs:            []string{"https://a.example.com/cb"},
				TokenEndpointAuthMethod: TokenEndpointAuthMethodTLSClientAuth,
			}},
			{"no redirect uris", &ClientRegistration{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, _, err := srv.RegisterClient(ctx, tt.reg, "203.0.113.41"); err == nil {
					t.Error("expected registration to fail")
				}
			})
		}
	})

	t.Run("scope outside supported set rejected", func(t *testing.T) {
		srv, _ := newTestServer(t)
		srv.Config.SupportedScopes = []string{"read"}
		_, _, err := srv.RegisterClient(ctx, &ClientRegistration{
			RedirectURIs: []string{"https://a.example.com/cb"},
			Scopes:       []string{"admin"},
		}, "203.0.113.42")
		if err == nil {
			t.Error("expected error for unsupported scope")
		}
	})

	t.Run("per IP registration limit", func(t *testing.T) {
		srv, _ := newTestServer(t)
		srv.Config.MaxClientsPerIP = 2
		reg := func() error {
			_, _, err := srv.RegisterClient(ctx, &ClientRegistration{
				RedirectURIs: []string{"https://a.example.com/cb"},
			}, "198.51.100.7")
			return err
		}
		if err := reg(); err != nil {
			t.Fatalf("first registration error = %v", err)
		}
		if err := reg(); err != nil {
			t.Fatalf("second registration error = %v", err)
		}
		if err := reg(); err == nil {
			t.Error("expected third registration from same IP to be limited")
		}
	})
}

func TestRegistrationManagement(t *testing.T) {
	ctx := context.Background()

	t.Run("read with client registration token", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client := registerTestClient(t, srv)

		got, err := srv.GetRegisteredClient(ctx, client.ClientID, client.RegistrationAccessToken)
		if err != nil {
			t.Fatalf("GetRegisteredClient() error = %v", err)
		}
		if got.ClientID != client.ClientID {
			t.Errorf("client = %q", got.ClientID)
		}
	})

	t.Run("read with master token", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client := registerTestClient(t, srv)
		if _, err := srv.GetRegisteredClient(ctx, client.ClientID, srv.Config.RegistrationAccessToken); err != nil {
			t.Errorf("GetRegisteredClient() with master token error = %v", err)
		}
	})

	t.Run("wrong token denied", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client := registerTestClient(t, srv)
		for _, token := range []string{"", "wrong-token"} {
			if _, err := srv.GetRegisteredClient(ctx, client.ClientID, token); !errors.Is(err, ErrRegistrationAccessDenied) {
				t.Errorf("token %q: error = %v, want ErrRegistrationAccessDenied", token, err)
			}
		}
	})

	t.Run("unknown client denied without detail", func(t *testing.T) {
		srv, _ := newTestServer(t)
		if _, err := srv.GetRegisteredClient(ctx, "client-0000000000000000", "anything"); !errors.Is(err, ErrRegistrationAccessDenied) {
			t.Errorf("error = %v, want ErrRegistrationAccessDenied", err)
		}
	})

	t.Run("update replaces mutable metadata", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client := registerTestClient(t, srv)

		updated, err := srv.UpdateClient(ctx, client.ClientID, client.RegistrationAccessToken, &ClientRegistration{
			ClientName:   "renamed-app",
			RedirectURIs: []string{"https://app.example.com/new-callback"},
		}, "203.0.113.50")
		if err != nil {
			t.Fatalf("UpdateClient() error = %v", err)
		}
		if updated.ClientName != "renamed-app" {
			t.Errorf("name = %q", updated.ClientName)
		}
		if len(updated.RedirectURIs) != 1 || updated.RedirectURIs[0] != "https://app.example.com/new-callback" {
			t.Errorf("redirect URIs = %v", updated.RedirectURIs)
		}
		if updated.ClientID != client.ClientID {
			t.Error("client id changed on update")
		}
		if updated.RegistrationAccessToken != client.RegistrationAccessToken {
			t.Error("registration token changed on update")
		}
	})

	t.Run("delete revokes tokens and removes the client", func(t *testing.T) {
		srv, _ := newTestServer(t)
		client := registerTestClient(t, srv)
		code, verifier := authorize(t, srv, client, "user-1")
		grant, err := srv.ExchangeAuthorizationCode(ctx, client, &TokenExchangeRequest{
			Code: code, RedirectURI: client.RedirectURIs[0], CodeVerifier: verifier,
		})
		if err != nil {
			t.Fatalf("exchange error = %v", err)
		}

		if err := srv.DeleteClient(ctx, client.ClientID, client.RegistrationAccessToken, "203.0.113.51"); err != nil {
			t.Fatalf("DeleteClient() error = %v", err)
		}
		if _, err := srv.GetClient(ctx, client.ClientID); err == nil {
			t.Error("client still retrievable after delete")
		}
		if _, err := srv.ValidateAccessToken(ctx, grant.AccessToken, ""); err == nil {
			t.Error("access token still valid after client deletion")
		}
	})

	t.Run("list includes registered clients", func(t *testing.T) {
		srv, _ := newTestServer(t)
		a := registerTestClient(t, srv)
		b, _ := registerConfidentialClient(t, srv)

		clients, err := srv.ListClients(ctx)
		if err != nil {
			t.Fatalf("ListClients() error = %v", err)
		}
		found := map[string]bool{}
		for _, c := range clients {
			found[c.ClientID] = true
		}
		if !found[a.ClientID] || !found[b.ClientID] {
			t.Errorf("list missing registered clients: %v", found)
		}
	})

	t.Run("list exposes no credential material", func(t *testing.T) {
		srv, _ := newTestServer(t)
		registerConfidentialClient(t, srv)

		clients, err := srv.ListClients(ctx)
		if err != nil {
			t.Fatalf("ListClients() error = %v", err)
		}
		for _, c := range clients {
			raw, err := json.Marshal(c)
			if err != nil {
				t.Fatalf("marshal summary: %v", err)
			}
			for _, field := range []string{"secret", "registration_access_token", "hash"} {
				if strings.Contains(strings.ToLower(string(raw)), field) {
					t.Errorf("summary leaks %q: %s", field, raw)
				}
			}
			if c.ClientID == "" || c.CreatedAt.IsZero() {
				t.Errorf("summary missing identity fields: %+v", c)
			}
		}
	})
}

func TestAuthorizeRegistration(t *testing.T) {
	t.Run("master token required by default", func(t *testing.T) {
		srv, _ := newTestServer(t)
		if err := srv.AuthorizeRegistration(srv.Config.RegistrationAccessToken); err != nil {
			t.Errorf("master token rejected: %v", err)
		}
		if err := srv.AuthorizeRegistration("wrong"); !errors.Is(err, ErrRegistrationAccessDenied) {
			t.Errorf("error = %v, want ErrRegistrationAccessDenied", err)
		}
		if err := srv.AuthorizeRegistration(""); !errors.Is(err, ErrRegistrationAccessDenied) {
			t.Errorf("error = %v, want ErrRegistrationAccessDenied", err)
		}
	})

	t.Run("open registration when enabled", func(t *testing.T) {
		srv, _ := newTestServer(t)
		srv.Config.AllowPublicClientRegistration = true
		if err := srv.AuthorizeRegistration(""); err != nil {
			t.Errorf("AuthorizeRegistration() error = %v", err)
		}
	})
}
