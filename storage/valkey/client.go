package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/authsrv/oauth/storage"
)

// clientIPTrackingTTL bounds how long registration counts per IP are kept,
// making the per-IP client limit a rolling window rather than a permanent ban.
const clientIPTrackingTTL = 24 * time.Hour

// ClientStore implementation. Client records have no TTL; they live until
// deleted through RFC 7592 management or an admin call.

// SaveClient saves or replaces a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "client ID"); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}

	cmd := s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// DeleteClient removes a client registration.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).Error(); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// dummyBcryptHash is a bcrypt hash of an unrelated string, compared against
// when the client does not exist so that lookups for unknown and known
// clients take the same time.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ValidateClientSecret checks a client's secret with bcrypt. A bcrypt
// comparison runs on every call, and all failure modes collapse into one
// generic error, so response timing and wording reveal nothing about
// whether the client exists or why authentication failed.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyBcryptHash
	isPublicClient := false
	secretExpired := false

	if err == nil {
		switch {
		case client.ClientType == "public":
			isPublicClient = true
		case client.ClientSecretHash != "":
			hashToCompare = client.ClientSecretHash
			if !client.SecretExpiresAt.IsZero() && time.Now().After(client.SecretExpiresAt) {
				secretExpired = true
			}
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients have no secret; authentication is identity-only.
	if isPublicClient && err == nil {
		return nil
	}

	if err != nil || bcryptErr != nil || secretExpired {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ListClients returns every registered client. SCAN can repeat keys across
// iterations, so results are collected into a map keyed by client ID.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")
	ipPrefix := s.clientIPKey("")

	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		resp, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("scan clients: %w", err)
		}

		for _, key := range resp.Elements {
			// IP tracking counters share the client: prefix.
			if strings.HasPrefix(key, ipPrefix) {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					// Deleted between SCAN and GET.
					continue
				}
				return nil, fmt.Errorf("get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Skipping malformed client record", "key", key, "error", err)
				continue
			}
			client := fromClientJSON(&j)
			clientMap[client.ClientID] = client
		}

		cursor = resp.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, client := range clientMap {
		clients = append(clients, client)
	}
	return clients, nil
}

// CheckIPLimit reports whether an IP has reached the registration limit.
// A non-positive limit disables the check.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	val, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientIPKey(ip)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// No registrations from this IP yet.
			return nil
		}
		return fmt.Errorf("check IP limit: %w", err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("malformed IP counter for %s: %w", ip, err)
	}
	if count >= maxClientsPerIP {
		return fmt.Errorf("%w: %s (%d/%d clients)", storage.ErrIPLimitExceeded, ip, count, maxClientsPerIP)
	}
	return nil
}

// TrackClientIP increments the registration counter for an IP. Failures are
// logged and swallowed; losing a count must not fail a registration.
func (s *Store) TrackClientIP(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	key := s.clientIPKey(ip)

	if err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).Error(); err != nil {
		s.logger.Warn("Failed to track client IP", "ip", ip, "error", err)
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(key).Seconds(int64(clientIPTrackingTTL.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set IP tracking TTL", "ip", ip, "error", err)
	}
}
