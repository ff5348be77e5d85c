package util

import "strings"

// SafeTruncate returns at most maxLen leading bytes of s. Token and code
// values are logged through this so only a short prefix ever reaches the
// log stream. Negative maxLen yields the empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so RFC 8707 resource indicators
// and token audiences compare equal regardless of a trailing slash.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
