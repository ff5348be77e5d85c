// Package server implements the core OAuth 2.1 authorization server logic.
//
// This package provides the authorization server implementation with support
// for the authorization code flow with PKCE, JWT access tokens, refresh
// token rotation, and dynamic client registration. It coordinates between
// storage backends and security features; the HTTP surface lives in the
// root package.
//
// The Server type delegates to specialized modules:
//   - Token and client storage (storage package)
//   - PKCE primitives (pkce package)
//   - Security features (security package)
//
// Key Features:
//   - OAuth 2.1 compliance with mandatory PKCE
//   - Self-issued JWT access tokens with audience binding (RFC 8707)
//   - Refresh token rotation with reuse detection and containment
//   - Client authentication: client secrets, private_key_jwt, mutual TLS
//   - Dynamic client registration (RFC 7591)
//   - Comprehensive security auditing
//   - Rate limiting (IP and user-based)
//
// Example usage:
//
//	store := memory.NewStore()
//
//	config := &server.Config{
//	    Issuer:     "https://auth.example.com",
//	    SigningKey: signingKey,
//	}
//
//	srv, err := server.New(store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
