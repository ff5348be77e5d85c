// Package memory provides an in-memory implementation of the OAuth storage interfaces.
//
// This package implements the TokenStore, TokenRevocationStore, ClientStore,
// and FlowStore interfaces using Go's built-in maps with mutex protection for
// thread safety. It is suitable for development, testing, and single-instance
// deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic single-use redemption for authorization codes and refresh tokens
//   - Automatic cleanup of expired tokens and codes
//   - Configurable cleanup intervals
//   - OpenTelemetry spans and metrics via SetInstrumentation
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, store, store, cfg, logger)
package memory
