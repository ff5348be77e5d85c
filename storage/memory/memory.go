// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/authsrv/oauth/instrumentation"
	"github.com/authsrv/oauth/internal/util"
	"github.com/authsrv/oauth/security"
	"github.com/authsrv/oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// token identifiers. Enough uniqueness for debugging without exposing
	// the credential.
	tokenIDLogLength = 8

	// maxUsedRefreshTokens is the warning threshold for retained used
	// refresh token records. Growth past this point may indicate a memory
	// exhaustion attack via repeated rotation.
	maxUsedRefreshTokens = 10000
)

// Store is an in-memory implementation of all storage interfaces.
// It implements TokenStore, TokenRevocationStore, ClientStore, and FlowStore.
type Store struct {
	mu sync.RWMutex

	// Active access-token index (jti -> record)
	accessTokens map[string]*storage.AccessTokenRecord

	// Refresh tokens keyed by value. Used records are retained until
	// expiry so replays can be recognized.
	refreshTokens map[string]*storage.RefreshToken

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // IP address -> client count (for DoS protection)

	// Flow storage
	authCodes map[string]*storage.AuthorizationCode

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	accessTokensCountAtomic  atomic.Int64
	clientsCountAtomic       atomic.Int64
	authCodesCountAtomic     atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.TokenStore           = (*Store)(nil)
	_ storage.TokenRevocationStore = (*Store)(nil)
	_ storage.ClientStore          = (*Store)(nil)
	_ storage.FlowStore            = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		accessTokens:    make(map[string]*storage.AccessTokenRecord),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		clients:         make(map[string]*storage.Client),
		clientsPerIP:    make(map[string]int),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.authCodesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free).
		// These provide visibility into storage size for capacity planning,
		// memory leak detection, and DoS attack monitoring.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.authCodesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken records an issued access token in the active index
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if record == nil || record.JTI == "" {
		err = fmt.Errorf("invalid access token record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.accessTokens[record.JTI]

	copied := *record
	s.accessTokens[record.JTI] = &copied

	if !existed {
		s.accessTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved access token record",
		"jti", util.SafeTruncate(record.JTI, tokenIDLogLength),
		"client_id", record.ClientID)
	return nil
}

// GetAccessToken retrieves an active access token record by jti
func (s *Store) GetAccessToken(ctx context.Context, jti string) (*storage.AccessTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	s.mu.RLock()
	record, ok := s.accessTokens[jti]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: access token", storage.ErrNotFound)
		return nil, err
	}

	// Check expiry with clock skew grace period
	if security.IsTokenExpired(record.ExpiresAt) {
		err = fmt.Errorf("%w: access token", storage.ErrExpired)
		return nil, err
	}

	// Return a copy to prevent caller from modifying the stored version
	copied := *record
	return &copied, nil
}

// DeleteAccessToken removes a jti from the active index.
// Returns whether the jti was present so revocation stays idempotent.
func (s *Store) DeleteAccessToken(ctx context.Context, jti string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_access_token", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.accessTokens[jti]
	delete(s.accessTokens, jti)

	if existed {
		s.accessTokensCountAtomic.Add(-1)
		s.logger.Debug("Deleted access token record",
			"jti", util.SafeTruncate(jti, tokenIDLogLength))
	}

	return existed, nil
}

// SaveRefreshToken saves a refresh token record keyed by its value
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if record == nil || record.Token == "" {
		err = fmt.Errorf("invalid refresh token record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[record.Token]

	copied := *record
	s.refreshTokens[record.Token] = &copied

	if !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token",
		"client_id", record.ClientID,
		"expires_at", record.ExpiresAt)
	return nil
}

// GetRefreshToken retrieves a refresh token record by value
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}

	copied := *record
	return &copied, nil
}

// DeleteRefreshToken removes a refresh token.
// Returns whether the token was present.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[token]
	delete(s.refreshTokens, token)

	if existed {
		s.refreshTokensCountAtomic.Add(-1)
		s.logger.Debug("Deleted refresh token")
	}

	return existed, nil
}

// AtomicRedeemRefreshToken atomically checks a refresh token and marks it
// used. Only ONE concurrent redemption of the same value can succeed.
//
// The record is returned alongside ErrAlreadyUsed so the caller can revoke
// the affected client+subject pair (reuse indicates token theft). The used
// marker is retained until expiry and never rolled back.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_refresh_token", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		err = fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		return nil, err
	}

	// Check expiry with clock skew grace period
	if security.IsTokenExpired(record.ExpiresAt) {
		err = fmt.Errorf("%w: refresh token", storage.ErrExpired)
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if record.Used {
		copied := *record
		err = storage.ErrAlreadyUsed
		return &copied, err
	}

	record.Used = true
	s.logger.Debug("Redeemed refresh token",
		"client_id", record.ClientID)

	copied := *record
	return &copied, nil
}

// SweepExpired removes expired access-token and refresh token records,
// returning the number removed. Used refresh token records are swept on
// the same schedule; until then they serve replay detection.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_expired")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "sweep_expired", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweepExpiredLocked(), nil
}

// sweepExpiredLocked removes expired token entries. Caller must hold mu.
func (s *Store) sweepExpiredLocked() int {
	removed := 0

	for jti, record := range s.accessTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.accessTokens, jti)
			s.accessTokensCountAtomic.Add(-1)
			removed++
		}
	}

	for token, record := range s.refreshTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.refreshTokens, token)
			s.refreshTokensCountAtomic.Add(-1)
			removed++
		}
	}

	return removed
}

// ============================================================
// TokenRevocationStore Implementation (OAuth 2.1 Security)
// ============================================================

// RevokeAllTokensForClientSubject revokes all tokens (access + refresh) for
// a specific client+subject pair. This is the containment step when
// authorization code or refresh token reuse is detected. An empty subject
// matches every subject of the client (used when a client is deleted).
// Returns the number of tokens revoked.
func (s *Store) RevokeAllTokensForClientSubject(ctx context.Context, clientID, subject string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_tokens_for_client_subject")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_all_tokens_for_client_subject", err, startTime)
	}()

	if clientID == "" {
		err = fmt.Errorf("clientID cannot be empty")
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revokedCount := 0

	for jti, record := range s.accessTokens {
		if record.ClientID == clientID && (subject == "" || record.Subject == subject) {
			delete(s.accessTokens, jti)
			s.accessTokensCountAtomic.Add(-1)
			revokedCount++

			s.logger.Debug("Revoked access token",
				"client_id", clientID,
				"jti", util.SafeTruncate(jti, tokenIDLogLength))
		}
	}

	for token, record := range s.refreshTokens {
		if record.ClientID == clientID && (subject == "" || record.Subject == subject) {
			delete(s.refreshTokens, token)
			s.refreshTokensCountAtomic.Add(-1)
			revokedCount++

			s.logger.Debug("Revoked refresh token",
				"client_id", clientID)
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked all tokens for client+subject",
			"client_id", clientID,
			"subject", util.SafeTruncate(subject, tokenIDLogLength),
			"tokens_revoked", revokedCount,
			"reason", "credential_reuse_detected")
	}

	return revokedCount, nil
}

// GetTokensForClientSubject retrieves active access-token jtis for a
// client+subject pair. This is primarily for testing and debugging.
func (s *Store) GetTokensForClientSubject(ctx context.Context, clientID, subject string) ([]string, error) {
	if clientID == "" || subject == "" {
		return nil, fmt.Errorf("clientID and subject cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]string, 0)
	for jti, record := range s.accessTokens {
		if record.ClientID == clientID && record.Subject == subject {
			tokens = append(tokens, jti)
		}
	}

	return tokens, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client and tracks IP for DoS protection
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	s.clients[client.ClientID] = client

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// DeleteClient removes a client registration and decrements its IP count
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_client", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, existed := s.clients[clientID]
	if !existed {
		err = fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		return err
	}

	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)

	if client.RegistrationIP != "" && s.clientsPerIP[client.RegistrationIP] > 0 {
		s.clientsPerIP[client.RegistrationIP]--
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing
	// attacks that could reveal whether a client exists or not.

	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test").
	// Ensures a bcrypt comparison happens even when the client is unknown.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false
	secretExpired := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
			if !client.SecretExpiresAt.IsZero() && security.IsTokenExpired(client.SecretExpiresAt) {
				secretExpired = true
			}
		}
	}

	// ALWAYS perform bcrypt comparison (constant-time by design)
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// For public clients, secret validation always succeeds
	if isPublicClient && err == nil {
		return nil
	}

	// Failures collapse to one generic error after the bcrypt comparison
	if err != nil || bcryptErr != nil || secretExpired {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// CheckIPLimit checks if an IP has reached the client registration limit
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxClientsPerIP <= 0 {
		return nil // No limit
	}

	count := s.clientsPerIP[ip]
	if count >= maxClientsPerIP {
		return fmt.Errorf("%w: %s (%d/%d clients)", storage.ErrIPLimitExceeded, ip, count, maxClientsPerIP)
	}

	return nil
}

// TrackClientIP increments the client count for an IP address
func (s *Store) TrackClientIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]

	s.authCodes[code.Code] = code

	if !existed {
		s.authCodesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// Used codes are kept to detect reuse attempts; they are removed by the
// background cleanup goroutine after expiry.
//
// NOTE: For actual code exchange, use AtomicCheckAndMarkAuthCodeUsed
// instead to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	// Check expiry with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	}

	// Return a copy to prevent caller from modifying the stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused
// and marks it used. Only ONE concurrent exchange of the same code can
// succeed; all others receive ErrAlreadyUsed.
//
// IMPORTANT: The code record is ONLY returned alongside ErrAlreadyUsed
// (Used=true) to enable reuse containment. For not-found and expired, nil
// is returned to prevent information leakage.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_authorization_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}

	// Check expiry with clock skew grace period
	if security.IsTokenExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: authorization code", storage.ErrExpired)
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if authCode.Used {
		// SECURITY: code already used - return the record so the caller
		// can revoke tokens minted from it
		codeCopy := *authCode
		err = storage.ErrAlreadyUsed
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code]
	delete(s.authCodes, code)

	if existed {
		s.authCodesCountAtomic.Add(-1)
		s.logger.Debug("Deleted authorization code")
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := s.sweepExpiredLocked()

	// Cleanup expired authorization codes (with clock skew grace period).
	// Used codes also age out here once their expiry passes.
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// SECURITY MONITORING: a large population of used-but-unexpired refresh
	// tokens can indicate repeated rotation abuse
	usedCount := 0
	for _, record := range s.refreshTokens {
		if record.Used {
			usedCount++
		}
	}
	if usedCount > maxUsedRefreshTokens {
		s.logger.Warn("Retained used refresh token records approaching limit",
			"current_count", usedCount,
			"max_threshold", maxUsedRefreshTokens,
			"recommendation", "Review security logs for repeated token reuse attempts")
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
