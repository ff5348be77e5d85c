package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authsrv/oauth/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests are skipped if VALKEY_TEST_ADDR is not set and localhost:6379 is
// unreachable. Each test gets a unique key prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the store's test prefix.
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	var cursor uint64
	for {
		resp, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Fatalf("failed to scan test keys: %v", err)
		}
		for _, key := range resp.Elements {
			if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
				t.Fatalf("failed to delete test key %s: %v", key, err)
			}
		}
		cursor = resp.Cursor
		if cursor == 0 {
			break
		}
	}
}

func testClient(t *testing.T, clientID, secret string) *storage.Client {
	t.Helper()

	client := &storage.Client{
		ClientID:     clientID,
		ClientType:   "confidential",
		RedirectURIs: []string{"https://client.example.test/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		CreatedAt:    time.Now(),
	}
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
		}
		client.ClientSecretHash = string(hash)
	}
	return client
}

func TestClientLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	client := testClient(t, "client-abc", "hunter2hunter2")
	client.Scopes = []string{"read", "write"}
	client.RegistrationAccessToken = "reg-token"

	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, "client-abc")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}
	if got.ClientSecretHash != client.ClientSecretHash {
		t.Error("secret hash did not round-trip")
	}
	if got.RegistrationAccessToken != "reg-token" {
		t.Errorf("RegistrationAccessToken = %q", got.RegistrationAccessToken)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("Scopes = %v", got.Scopes)
	}

	if _, err := store.GetClient(ctx, "client-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrNotFound", err)
	}

	if err := store.DeleteClient(ctx, "client-abc"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "client-abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	client := testClient(t, "client-secretive", "correct-secret")
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	if err := store.ValidateClientSecret(ctx, "client-secretive", "correct-secret"); err != nil {
		t.Errorf("ValidateClientSecret(correct) error = %v", err)
	}
	if err := store.ValidateClientSecret(ctx, "client-secretive", "wrong-secret"); err == nil {
		t.Error("ValidateClientSecret(wrong) should fail")
	}
	if err := store.ValidateClientSecret(ctx, "client-missing", "anything"); err == nil {
		t.Error("ValidateClientSecret(unknown client) should fail")
	}
}

func TestCheckIPLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.CheckIPLimit(ctx, "203.0.113.7", 2); err != nil {
		t.Fatalf("CheckIPLimit(fresh IP) error = %v", err)
	}

	store.TrackClientIP("203.0.113.7")
	store.TrackClientIP("203.0.113.7")

	if err := store.CheckIPLimit(ctx, "203.0.113.7", 2); !errors.Is(err, storage.ErrIPLimitExceeded) {
		t.Errorf("CheckIPLimit(at limit) error = %v, want ErrIPLimitExceeded", err)
	}
	if err := store.CheckIPLimit(ctx, "203.0.113.7", 0); err != nil {
		t.Errorf("CheckIPLimit(no limit) error = %v", err)
	}
}

func TestAuthorizationCodeAtomicExchange(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:                "code-one-time",
		ClientID:            "client-abc",
		RedirectURI:         "https://client.example.test/callback",
		Scope:               "read",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		Subject:             "user-1",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-one-time")
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	if got.Subject != "user-1" || got.CodeChallenge != "challenge" {
		t.Errorf("exchanged code = %+v", got)
	}

	// Second exchange must report reuse and return the record for containment.
	reused, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-one-time")
	if !errors.Is(err, storage.ErrAlreadyUsed) {
		t.Fatalf("replay error = %v, want ErrAlreadyUsed", err)
	}
	if reused == nil || reused.ClientID != "client-abc" {
		t.Errorf("replay should return the original record, got %+v", reused)
	}

	if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-never-issued"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown code error = %v, want ErrNotFound", err)
	}
}

func TestAuthorizationCodeConcurrentExchange(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "code-contended",
		ClientID:  "client-abc",
		Subject:   "user-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AtomicCheckAndMarkAuthCodeUsed(ctx, "code-contended"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestRefreshTokenAtomicRedemption(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := &storage.RefreshToken{
		Token:          "refresh-rotate-me",
		ClientID:       "client-abc",
		Subject:        "user-1",
		Scope:          "read write",
		AccessTokenJTI: "jti-1",
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, record); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	got, err := store.AtomicRedeemRefreshToken(ctx, "refresh-rotate-me")
	if err != nil {
		t.Fatalf("first redemption error = %v", err)
	}
	if got.AccessTokenJTI != "jti-1" || got.Scope != "read write" {
		t.Errorf("redeemed record = %+v", got)
	}

	// Replay must be distinguishable from an unknown token.
	reused, err := store.AtomicRedeemRefreshToken(ctx, "refresh-rotate-me")
	if !errors.Is(err, storage.ErrAlreadyUsed) {
		t.Fatalf("replay error = %v, want ErrAlreadyUsed", err)
	}
	if reused == nil || reused.ClientID != "client-abc" || reused.Subject != "user-1" {
		t.Errorf("replay should return the original record, got %+v", reused)
	}

	if _, err := store.AtomicRedeemRefreshToken(ctx, "refresh-never-issued"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown token error = %v, want ErrNotFound", err)
	}
}

func TestAccessTokenIndex(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := &storage.AccessTokenRecord{
		JTI:       "jti-active",
		ClientID:  "client-abc",
		Subject:   "user-1",
		Scope:     "read",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, record); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	got, err := store.GetAccessToken(ctx, "jti-active")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.ClientID != "client-abc" || got.Subject != "user-1" {
		t.Errorf("record = %+v", got)
	}

	jtis, err := store.GetTokensForClientSubject(ctx, "client-abc", "user-1")
	if err != nil {
		t.Fatalf("GetTokensForClientSubject() error = %v", err)
	}
	if len(jtis) != 1 || jtis[0] != "jti-active" {
		t.Errorf("jtis = %v", jtis)
	}

	deleted, err := store.DeleteAccessToken(ctx, "jti-active")
	if err != nil {
		t.Fatalf("DeleteAccessToken() error = %v", err)
	}
	if !deleted {
		t.Error("DeleteAccessToken() = false, want true")
	}

	deleted, err = store.DeleteAccessToken(ctx, "jti-active")
	if err != nil {
		t.Fatalf("second DeleteAccessToken() error = %v", err)
	}
	if deleted {
		t.Error("second DeleteAccessToken() = true, want false")
	}

	if _, err := store.GetAccessToken(ctx, "jti-active"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessToken(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestRevokeAllTokensForClientSubject(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	save := func(jti, subject string) {
		t.Helper()
		if err := store.SaveAccessToken(ctx, &storage.AccessTokenRecord{
			JTI:       jti,
			ClientID:  "client-abc",
			Subject:   subject,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}); err != nil {
			t.Fatalf("SaveAccessToken(%s) error = %v", jti, err)
		}
	}

	save("jti-u1-a", "user-1")
	save("jti-u1-b", "user-1")
	save("jti-u2-a", "user-2")

	if err := store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:     "refresh-u1",
		ClientID:  "client-abc",
		Subject:   "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	// Revoke one subject: two access tokens plus the refresh token go away,
	// the other subject is untouched.
	count, err := store.RevokeAllTokensForClientSubject(ctx, "client-abc", "user-1")
	if err != nil {
		t.Fatalf("RevokeAllTokensForClientSubject() error = %v", err)
	}
	if count != 3 {
		t.Errorf("revoked count = %d, want 3", count)
	}
	if _, err := store.GetAccessToken(ctx, "jti-u1-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("jti-u1-a should be revoked, got %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, "refresh-u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("refresh-u1 should be revoked, got %v", err)
	}
	if _, err := store.GetAccessToken(ctx, "jti-u2-a"); err != nil {
		t.Errorf("jti-u2-a should survive, got %v", err)
	}

	// Empty subject revokes across every subject of the client.
	save("jti-u1-c", "user-1")
	count, err = store.RevokeAllTokensForClientSubject(ctx, "client-abc", "")
	if err != nil {
		t.Fatalf("wildcard revocation error = %v", err)
	}
	if count != 2 {
		t.Errorf("wildcard revoked count = %d, want 2", count)
	}
	if _, err := store.GetAccessToken(ctx, "jti-u2-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("jti-u2-a should be revoked by wildcard, got %v", err)
	}
}

func TestSweepExpiredPrunesIndex(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := &storage.AccessTokenRecord{
		JTI:       "jti-short",
		ClientID:  "client-abc",
		Subject:   "user-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(1 * time.Second),
	}
	if err := store.SaveAccessToken(ctx, record); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	// A long-lived refresh token keeps the index set alive past the access
	// token's expiry.
	if err := store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:     "refresh-long",
		ClientID:  "client-abc",
		Subject:   "user-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	// Wait for the access record key to expire, leaving a stale index member.
	time.Sleep(1500 * time.Millisecond)

	pruned, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	jtis, err := store.GetTokensForClientSubject(ctx, "client-abc", "user-1")
	if err != nil {
		t.Fatalf("GetTokensForClientSubject() error = %v", err)
	}
	if len(jtis) != 0 {
		t.Errorf("jtis = %v, want empty after sweep", jtis)
	}
}
