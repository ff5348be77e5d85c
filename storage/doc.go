// Package storage provides interfaces and record types for OAuth client,
// authorization code, and token persistence.
//
// The storage package defines the core storage interfaces used throughout the library:
//   - TokenStore: Manages the active access-token index and refresh tokens
//   - TokenRevocationStore: Bulk revocation for compromise containment
//   - ClientStore: Manages dynamically registered OAuth clients
//   - FlowStore: Manages one-time-use authorization codes
//
// Single-use guarantees (authorization codes, refresh token rotation) rely on
// the atomic check-and-set operations these interfaces require; plain
// read-then-write implementations are not safe under concurrent redemption.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing, and
//     single-instance deployments
//   - storage/valkey: Valkey-backed storage for multi-instance deployments
package storage
