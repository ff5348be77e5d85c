package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/authsrv/oauth/security"
	"github.com/authsrv/oauth/storage"
)

// Server implements the OAuth 2.1 authorization server logic.
// It mints and validates its own tokens and coordinates the authorization
// code flow using the storage backends.
type Server struct {
	tokenStore               storage.TokenStore
	revocationStore          storage.TokenRevocationStore
	clientStore              storage.ClientStore
	flowStore                storage.FlowStore
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	UserRateLimiter          *security.RateLimiter // User-based rate limiter (authenticated requests)
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	sweepOnce sync.Once
	sweepStop chan struct{}
}

// New creates a new OAuth server
func New(
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(config.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes")
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	srv := &Server{
		tokenStore:  tokenStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		Config:      config,
		Logger:      logger,
		sweepStop:   make(chan struct{}),
	}

	// Revocation support is optional; reuse containment degrades to
	// single-token revocation without it.
	if rs, ok := tokenStore.(storage.TokenRevocationStore); ok {
		srv.revocationStore = rs
	}

	// Validate HTTPS enforcement (OAuth 2.1 security requirement)
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the user-based rate limiter for authenticated requests
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// StartSweeper starts the background goroutine that periodically removes
// expired tokens and authorization codes from storage. Safe to call once;
// subsequent calls are no-ops.
func (s *Server) StartSweeper(ctx context.Context) {
	s.sweepOnce.Do(func() {
		go s.sweepLoop(ctx)
	})
}

// StopSweeper stops the background sweeper goroutine.
func (s *Server) StopSweeper() {
	select {
	case <-s.sweepStop:
	default:
		close(s.sweepStop)
	}
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, state parameters, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
