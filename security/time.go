package security

import "time"

// ClockSkewGrace is how long past its recorded expiry a token is still
// honored. Storage nodes and the issuing server do not share a clock;
// without a small grace window, ordinary NTP drift rejects tokens that
// are in fact still live. Five seconds covers typical drift while adding
// a negligible amount of effective lifetime.
const ClockSkewGrace = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, allowing
// ClockSkewGrace of drift. A zero time means the record never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return isTokenExpiredAt(expiresAt, time.Now())
}

func isTokenExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(ClockSkewGrace))
}
