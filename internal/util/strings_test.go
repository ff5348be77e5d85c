package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"shorter than limit", "abc", 10, "abc"},
		{"exactly at limit", "12345", 5, "12345"},
		{"token prefix", "tok-aaaaaaaaaaaaaaaaaaaa", 8, "tok-aaaa"},
		{"empty input", "", 5, ""},
		{"zero limit", "secret", 0, ""},
		{"negative limit", "secret", -3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing slash stripped", "https://rs.example.com/", "https://rs.example.com"},
		{"already bare", "https://rs.example.com", "https://rs.example.com"},
		{"repeated slashes", "https://rs.example.com///", "https://rs.example.com"},
		{"path kept", "https://rs.example.com/api/v1/", "https://rs.example.com/api/v1"},
		{"port kept", "https://rs.example.com:8443/", "https://rs.example.com:8443"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL_ResourceComparison(t *testing.T) {
	// RFC 8707 resource indicators must compare equal with or without a
	// trailing slash.
	pairs := [][2]string{
		{"https://api.example.com", "https://api.example.com/"},
		{"https://api.example.com/mcp", "https://api.example.com/mcp/"},
	}
	for _, p := range pairs {
		if NormalizeURL(p[0]) != NormalizeURL(p[1]) {
			t.Errorf("%q and %q should normalize equal", p[0], p[1])
		}
	}
}
