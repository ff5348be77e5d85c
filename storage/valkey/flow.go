package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/authsrv/oauth/storage"
)

// FlowStore implementation. Authorization codes live under their own key
// with a TTL matching the code lifetime, so expiry needs no sweeper.

// SaveAuthorizationCode stores an issued authorization code until it
// expires or is redeemed.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "authorization code"); err != nil {
		return err
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}

	cmd := s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// NOTE: For actual code exchange, use AtomicCheckAndMarkAuthCodeUsed instead
// to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal authorization code: %w", err)
	}
	authCode := fromAuthorizationCodeJSON(&j)

	// The key TTL normally handles expiry; re-check against the record in
	// case the server clocks disagree.
	if time.Now().After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	}
	return authCode, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and
// marks it used. Exactly one of any number of concurrent exchanges of the
// same code can succeed.
//
// SECURITY: the check-and-mark runs as a Lua script inside Valkey. On reuse
// the original code record is returned alongside ErrAlreadyUsed so the
// caller can revoke the tokens minted from the first exchange.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRedeemSingleUse).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("atomic code redeem: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	case strings.HasPrefix(result, "ALREADY_USED:"):
		codeData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: parse reused code", storage.ErrAlreadyUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrAlreadyUsed
	}

	// Success: parse the record as it was before marking used
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("parse authorization code: %w", err)
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", safeTruncate(code, tokenIDLogLength))

	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes an authorization code. Deleting a code
// that does not exist is not an error.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("delete authorization code: %w", err)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}
