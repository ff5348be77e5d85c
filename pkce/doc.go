// Package pkce implements Proof Key for Code Exchange (RFC 7636).
//
// It provides verifier generation, challenge derivation, and constant-time
// challenge verification for both the S256 and plain methods. The plain
// method is supported for compatibility only; callers should prefer S256.
package pkce
