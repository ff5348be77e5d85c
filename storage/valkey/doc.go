// Package valkey provides a Valkey-backed implementation of the storage
// interfaces, suitable for multi-instance deployments where the in-memory
// store cannot be shared.
//
// All records are stored as JSON values with native Valkey TTLs matching
// their expiry, so expired entries disappear without a sweeper. The
// security-critical single-use operations (authorization code exchange and
// refresh token redemption) run as Lua scripts so that exactly one of any
// number of concurrent redemptions can succeed.
//
// Usage:
//
//	store, err := valkey.New(valkey.Config{
//		Address: "localhost:6379",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	srv, err := server.New(store, store, store, cfg, logger)
//
// Connections can be secured with TLS and password authentication via the
// Config fields. Keys are namespaced with a configurable prefix so one
// Valkey instance can serve multiple deployments.
package valkey
