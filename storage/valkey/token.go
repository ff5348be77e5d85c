package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/authsrv/oauth/storage"
)

// Index set member prefixes. Each issued token is recorded in the
// per-client+subject index set so bulk revocation can find it without
// scanning the whole keyspace.
const (
	memberPrefixAccess  = "a:"
	memberPrefixRefresh = "r:"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken records an issued access token in the active index
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.JTI == "" {
		return fmt.Errorf("invalid access token record")
	}
	if err := validateStringLength(record.JTI, MaxIDLength, "jti"); err != nil {
		return err
	}

	data, err := json.Marshal(toAccessTokenRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal access token record: %w", err)
	}

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	key := s.accessTokenKey(record.JTI)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.indexToken(ctx, record.ClientID, record.Subject, memberPrefixAccess+record.JTI, ttl)

	s.logger.Debug("Saved access token record",
		"jti", safeTruncate(record.JTI, tokenIDLogLength),
		"client_id", record.ClientID)
	return nil
}

// GetAccessToken retrieves an active access token record by jti
func (s *Store) GetAccessToken(ctx context.Context, jti string) (*storage.AccessTokenRecord, error) {
	key := s.accessTokenKey(jti)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var j accessTokenRecordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token record: %w", err)
	}

	record := fromAccessTokenRecordJSON(&j)

	// TTL should handle this, but double-check for clock skew
	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}

	return record, nil
}

// DeleteAccessToken removes a jti from the active index. The returned bool
// reports whether the jti was present.
func (s *Store) DeleteAccessToken(ctx context.Context, jti string) (bool, error) {
	key := s.accessTokenKey(jti)

	// Fetch first so the index set can be cleaned up
	record, err := s.GetAccessToken(ctx, jti)

	deleted, delErr := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
	if delErr != nil {
		return false, fmt.Errorf("failed to delete access token: %w", delErr)
	}

	if err == nil {
		s.unindexToken(ctx, record.ClientID, record.Subject, memberPrefixAccess+jti)
	}

	return deleted > 0, nil
}

// SaveRefreshToken saves a refresh token record keyed by its value
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshToken) error {
	if record == nil || record.Token == "" {
		return fmt.Errorf("invalid refresh token record")
	}
	if err := validateStringLength(record.Token, MaxTokenLength, "refresh token"); err != nil {
		return err
	}

	data, err := json.Marshal(toRefreshTokenJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	key := s.refreshTokenKey(record.Token)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.indexToken(ctx, record.ClientID, record.Subject, memberPrefixRefresh+record.Token, ttl)

	s.logger.Debug("Saved refresh token",
		"token_prefix", safeTruncate(record.Token, tokenIDLogLength),
		"client_id", record.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token record by value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	key := s.refreshTokenKey(token)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	record := fromRefreshTokenJSON(&j)
	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrExpired)
	}

	return record, nil
}

// DeleteRefreshToken removes a refresh token. The bool reports whether the
// token was present.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	key := s.refreshTokenKey(token)

	record, err := s.GetRefreshToken(ctx, token)

	deleted, delErr := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
	if delErr != nil {
		return false, fmt.Errorf("failed to delete refresh token: %w", delErr)
	}

	if err == nil {
		s.unindexToken(ctx, record.ClientID, record.Subject, memberPrefixRefresh+token)
	}

	return deleted > 0, nil
}

// AtomicRedeemRefreshToken atomically checks a refresh token and marks it
// used. Exactly one of any number of concurrent redemptions of the same
// value can succeed.
//
// SECURITY: the check-and-mark runs as a Lua script inside Valkey, and the
// used marker is never rolled back. The redeemed record is retained under
// its original TTL so a replay is recognized as reuse (a theft signal)
// rather than an unknown token.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	key := s.refreshTokenKey(token)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicRedeemSingleUse).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh redemption: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token", storage.ErrExpired)
	case strings.HasPrefix(result, "ALREADY_USED:"):
		tokenData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j refreshTokenJSON
		if err := json.Unmarshal([]byte(tokenData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused refresh token", storage.ErrAlreadyUsed)
		}
		return fromRefreshTokenJSON(&j), storage.ErrAlreadyUsed
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}

	s.logger.Debug("Redeemed refresh token",
		"token_prefix", safeTruncate(token, tokenIDLogLength))

	return fromRefreshTokenJSON(&j), nil
}

// SweepExpired prunes stale members from the token index sets. The token
// records themselves expire natively via Valkey TTLs, so the sweep only has
// to drop index entries whose backing key is gone.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	pattern := s.subjectIndexKey("*", "*")
	pruned := 0

	var cursor uint64
	for {
		resp, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return pruned, fmt.Errorf("failed to scan token index: %w", err)
		}

		for _, indexKey := range resp.Elements {
			members, err := s.client.Do(ctx,
				s.client.B().Smembers().Key(indexKey).Build(),
			).AsStrSlice()
			if err != nil {
				continue
			}

			for _, member := range members {
				backingKey, ok := s.memberKey(member)
				if !ok {
					continue
				}
				exists, err := s.client.Do(ctx,
					s.client.B().Exists().Key(backingKey).Build(),
				).AsInt64()
				if err != nil || exists > 0 {
					continue
				}
				if err := s.client.Do(ctx,
					s.client.B().Srem().Key(indexKey).Member(member).Build(),
				).Error(); err == nil {
					pruned++
				}
			}
		}

		cursor = resp.Cursor
		if cursor == 0 {
			break
		}
	}

	if pruned > 0 {
		s.logger.Debug("Pruned stale token index entries", "count", pruned)
	}
	return pruned, nil
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeAllTokensForClientSubject revokes every access and refresh token
// bound to the client+subject pair, returning the count removed. An empty
// subject matches every subject of the client.
func (s *Store) RevokeAllTokensForClientSubject(ctx context.Context, clientID, subject string) (int, error) {
	if clientID == "" {
		return 0, fmt.Errorf("client ID is required")
	}

	var indexKeys []string
	if subject != "" {
		indexKeys = []string{s.subjectIndexKey(clientID, subject)}
	} else {
		keys, err := s.scanIndexKeys(ctx, s.subjectIndexKey(clientID, "*"))
		if err != nil {
			return 0, err
		}
		indexKeys = keys
	}

	revoked := 0
	for _, indexKey := range indexKeys {
		members, err := s.client.Do(ctx,
			s.client.B().Smembers().Key(indexKey).Build(),
		).AsStrSlice()
		if err != nil {
			if isNilError(err) {
				continue
			}
			return revoked, fmt.Errorf("failed to read token index: %w", err)
		}

		for _, member := range members {
			backingKey, ok := s.memberKey(member)
			if !ok {
				continue
			}
			deleted, err := s.client.Do(ctx,
				s.client.B().Del().Key(backingKey).Build(),
			).AsInt64()
			if err != nil {
				return revoked, fmt.Errorf("failed to revoke token: %w", err)
			}
			revoked += int(deleted)
		}

		if err := s.client.Do(ctx, s.client.B().Del().Key(indexKey).Build()).Error(); err != nil {
			s.logger.Warn("Failed to delete token index set", "key", indexKey, "error", err)
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked all tokens for client/subject",
			"client_id", clientID,
			"subject", subject,
			"count", revoked)
	}
	return revoked, nil
}

// GetTokensForClientSubject lists active access-token jtis for a
// client+subject pair.
func (s *Store) GetTokensForClientSubject(ctx context.Context, clientID, subject string) ([]string, error) {
	indexKey := s.subjectIndexKey(clientID, subject)

	members, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(indexKey).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token index: %w", err)
	}

	var jtis []string
	for _, member := range members {
		if strings.HasPrefix(member, memberPrefixAccess) {
			jtis = append(jtis, strings.TrimPrefix(member, memberPrefixAccess))
		}
	}
	return jtis, nil
}

// ============================================================
// Index helpers
// ============================================================

// indexToken adds a token to the client+subject index set. The set's TTL is
// only ever extended (EXPIRE GT) so a short-lived access token cannot cut
// the index short for a longer-lived refresh token.
func (s *Store) indexToken(ctx context.Context, clientID, subject, member string, ttl time.Duration) {
	indexKey := s.subjectIndexKey(clientID, subject)

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(indexKey).Member(member).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to index token", "client_id", clientID, "error", err)
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(indexKey).Seconds(int64(ttl.Seconds())).Gt().Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set token index TTL", "client_id", clientID, "error", err)
	}
}

// unindexToken removes a token from the client+subject index set.
func (s *Store) unindexToken(ctx context.Context, clientID, subject, member string) {
	indexKey := s.subjectIndexKey(clientID, subject)
	if err := s.client.Do(ctx,
		s.client.B().Srem().Key(indexKey).Member(member).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to unindex token", "client_id", clientID, "error", err)
	}
}

// memberKey maps an index set member back to the key of the token it tracks.
func (s *Store) memberKey(member string) (string, bool) {
	switch {
	case strings.HasPrefix(member, memberPrefixAccess):
		return s.accessTokenKey(strings.TrimPrefix(member, memberPrefixAccess)), true
	case strings.HasPrefix(member, memberPrefixRefresh):
		return s.refreshTokenKey(strings.TrimPrefix(member, memberPrefixRefresh)), true
	}
	return "", false
}

// scanIndexKeys collects all index set keys matching a pattern.
func (s *Store) scanIndexKeys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		resp, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan token index keys: %w", err)
		}
		for _, key := range resp.Elements {
			seen[key] = struct{}{}
		}
		cursor = resp.Cursor
		if cursor == 0 {
			break
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	return keys, nil
}
