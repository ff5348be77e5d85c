package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"zero time never expires", time.Time{}, false},
		{"future expiry", now.Add(time.Hour), false},
		{"just expired, inside grace", now.Add(-ClockSkewGrace / 2), false},
		{"expired past grace", now.Add(-ClockSkewGrace - time.Second), true},
		{"long expired", now.Add(-24 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTokenExpiredAt(tt.expiresAt, now); got != tt.want {
				t.Errorf("expired(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}

func TestIsTokenExpired_GraceBoundary(t *testing.T) {
	now := time.Now()
	// Exactly at the grace boundary the token is still honored; one
	// nanosecond past it is not.
	atBoundary := now.Add(-ClockSkewGrace)
	if isTokenExpiredAt(atBoundary, now) {
		t.Error("token at the grace boundary should still be honored")
	}
	pastBoundary := now.Add(-ClockSkewGrace - time.Nanosecond)
	if !isTokenExpiredAt(pastBoundary, now) {
		t.Error("token past the grace boundary should be expired")
	}
}
