package pkce

import (
	"strings"
	"testing"
)

func TestGenerateVerifier(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{name: "minimum length", length: 43},
		{name: "maximum length", length: 128},
		{name: "mid-range length", length: 64},
		{name: "too short", length: 42, wantErr: true},
		{name: "too long", length: 129, wantErr: true},
		{name: "zero", length: 0, wantErr: true},
		{name: "negative", length: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := GenerateVerifier(tt.length)
			if tt.wantErr {
				if err == nil {
					t.Errorf("GenerateVerifier(%d) expected error, got verifier %q", tt.length, v)
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateVerifier(%d) unexpected error: %v", tt.length, err)
			}
			if len(v) != tt.length {
				t.Errorf("GenerateVerifier(%d) returned %d characters", tt.length, len(v))
			}
			for _, ch := range v {
				if !strings.ContainsRune(verifierCharset, ch) {
					t.Errorf("verifier contains disallowed character %q", ch)
				}
			}
		})
	}
}

func TestGenerateVerifierUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := GenerateVerifier(43)
		if err != nil {
			t.Fatalf("GenerateVerifier failed: %v", err)
		}
		if seen[v] {
			t.Fatalf("duplicate verifier generated: %q", v)
		}
		seen[v] = true
	}
}

func TestDeriveChallenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	t.Run("S256 known vector", func(t *testing.T) {
		// Test vector from RFC 7636 appendix B
		got, err := DeriveChallenge(verifier, MethodS256)
		if err != nil {
			t.Fatalf("DeriveChallenge failed: %v", err)
		}
		want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
		if got != want {
			t.Errorf("DeriveChallenge = %q, want %q", got, want)
		}
		if strings.ContainsAny(got, "=+/") {
			t.Errorf("challenge %q is not unpadded base64url", got)
		}
	})

	t.Run("plain passthrough", func(t *testing.T) {
		got, err := DeriveChallenge(verifier, MethodPlain)
		if err != nil {
			t.Fatalf("DeriveChallenge failed: %v", err)
		}
		if got != verifier {
			t.Errorf("plain challenge = %q, want verifier unchanged", got)
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		if _, err := DeriveChallenge(verifier, "S512"); err != ErrUnsupportedMethod {
			t.Errorf("expected ErrUnsupportedMethod, got %v", err)
		}
	})

	t.Run("short verifier", func(t *testing.T) {
		if _, err := DeriveChallenge("too-short", MethodS256); err != ErrInvalidLength {
			t.Errorf("expected ErrInvalidLength, got %v", err)
		}
	})

	t.Run("invalid characters", func(t *testing.T) {
		bad := strings.Repeat("a", 42) + "!"
		if _, err := DeriveChallenge(bad, MethodS256); err != ErrInvalidCharacter {
			t.Errorf("expected ErrInvalidCharacter, got %v", err)
		}
	})
}

func TestVerify(t *testing.T) {
	verifier, err := GenerateVerifier(64)
	if err != nil {
		t.Fatalf("GenerateVerifier failed: %v", err)
	}

	for _, method := range []string{MethodS256, MethodPlain} {
		t.Run(method+" round trip", func(t *testing.T) {
			challenge, err := DeriveChallenge(verifier, method)
			if err != nil {
				t.Fatalf("DeriveChallenge failed: %v", err)
			}
			ok, err := Verify(verifier, challenge, method)
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if !ok {
				t.Error("Verify returned false for matching challenge")
			}
		})
	}

	t.Run("altered challenge fails", func(t *testing.T) {
		challenge, err := DeriveChallenge(verifier, MethodS256)
		if err != nil {
			t.Fatalf("DeriveChallenge failed: %v", err)
		}
		// Flip one character; mismatch is a boolean result, not an error
		altered := []byte(challenge)
		if altered[0] == 'A' {
			altered[0] = 'B'
		} else {
			altered[0] = 'A'
		}
		ok, err := Verify(verifier, string(altered), MethodS256)
		if err != nil {
			t.Fatalf("Verify returned error on mismatch: %v", err)
		}
		if ok {
			t.Error("Verify returned true for altered challenge")
		}
	})

	t.Run("wrong verifier fails", func(t *testing.T) {
		challenge, err := DeriveChallenge(verifier, MethodS256)
		if err != nil {
			t.Fatalf("DeriveChallenge failed: %v", err)
		}
		other, err := GenerateVerifier(64)
		if err != nil {
			t.Fatalf("GenerateVerifier failed: %v", err)
		}
		ok, err := Verify(other, challenge, MethodS256)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if ok {
			t.Error("Verify returned true for a different verifier")
		}
	})

	t.Run("malformed verifier errors", func(t *testing.T) {
		if _, err := Verify("short", "anything", MethodS256); err == nil {
			t.Error("expected error for malformed verifier")
		}
	})
}
