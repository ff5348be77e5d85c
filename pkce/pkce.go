package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Verifier length bounds and challenge methods (RFC 7636)
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	MethodS256  = "S256"
	MethodPlain = "plain"
)

// verifierCharset is the unreserved character set allowed in code verifiers
// per RFC 7636 section 4.1: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

var (
	// ErrInvalidLength indicates a verifier outside the 43-128 character bound
	ErrInvalidLength = fmt.Errorf("code_verifier must be %d-%d characters (RFC 7636)", MinVerifierLength, MaxVerifierLength)

	// ErrInvalidCharacter indicates a verifier containing characters outside
	// the unreserved set
	ErrInvalidCharacter = fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")

	// ErrUnsupportedMethod indicates an unrecognized code_challenge_method
	ErrUnsupportedMethod = fmt.Errorf("unsupported code_challenge_method (supported: %s, %s)", MethodS256, MethodPlain)
)

// GenerateVerifier returns a random code verifier of the given length drawn
// from the RFC 7636 unreserved character set using a cryptographically
// secure source. Lengths outside 43-128 return ErrInvalidLength.
func GenerateVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", ErrInvalidLength
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate code_verifier: %w", err)
	}

	for i, b := range buf {
		buf[i] = verifierCharset[int(b)%len(verifierCharset)]
	}
	return string(buf), nil
}

// DeriveChallenge computes the code challenge for a verifier.
// For S256 this is the base64url-encoded SHA-256 digest of the ASCII
// verifier, without padding. For plain it is the verifier unchanged.
func DeriveChallenge(verifier, method string) (string, error) {
	if err := validateVerifier(verifier); err != nil {
		return "", err
	}

	switch method {
	case MethodS256:
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", ErrUnsupportedMethod
	}
}

// Verify recomputes the expected challenge from verifier and method and
// compares it to the presented challenge in constant time. A mismatch
// returns (false, nil); an error is returned only for a malformed verifier
// or an unsupported method.
func Verify(verifier, challenge, method string) (bool, error) {
	computed, err := DeriveChallenge(verifier, method)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1, nil
}

// validateVerifier checks the RFC 7636 length and character constraints.
// Rejecting anything outside the unreserved set also keeps null bytes and
// control characters out of logs and storage keys.
func validateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return ErrInvalidLength
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return ErrInvalidCharacter
		}
	}
	return nil
}
