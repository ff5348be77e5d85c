package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		trustProxy bool
		proxies    int
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:41234",
			want:       "203.0.113.7",
		},
		{
			name:       "forwarding headers ignored without proxy trust",
			remoteAddr: "203.0.113.7:41234",
			xff:        "198.51.100.1",
			xRealIP:    "198.51.100.2",
			want:       "203.0.113.7",
		},
		{
			name:       "single trusted proxy",
			remoteAddr: "10.0.0.1:443",
			xff:        "198.51.100.1, 10.0.0.1",
			trustProxy: true,
			proxies:    1,
			want:       "198.51.100.1",
		},
		{
			name:       "two trusted proxies skip the client-forged hop",
			remoteAddr: "10.0.0.1:443",
			xff:        "198.51.100.1, 10.0.0.2, 10.0.0.1",
			trustProxy: true,
			proxies:    2,
			want:       "198.51.100.1",
		},
		{
			name:       "zero proxy count defaults to one",
			remoteAddr: "10.0.0.1:443",
			xff:        "198.51.100.1, 10.0.0.1",
			trustProxy: true,
			want:       "198.51.100.1",
		},
		{
			name:       "short chain falls back to leftmost entry",
			remoteAddr: "10.0.0.1:443",
			xff:        "198.51.100.1",
			trustProxy: true,
			proxies:    3,
			want:       "198.51.100.1",
		},
		{
			name:       "x-real-ip when forwarded-for is absent",
			remoteAddr: "10.0.0.1:443",
			xRealIP:    "198.51.100.9",
			trustProxy: true,
			want:       "198.51.100.9",
		},
		{
			name:       "garbage forwarded-for falls through to x-real-ip",
			remoteAddr: "10.0.0.1:443",
			xff:        "not-an-ip, 10.0.0.1",
			xRealIP:    "198.51.100.9",
			trustProxy: true,
			want:       "198.51.100.9",
		},
		{
			name:       "garbage everywhere falls back to remote addr",
			remoteAddr: "10.0.0.1:443",
			xff:        "junk",
			xRealIP:    "also junk",
			trustProxy: true,
			proxies:    2,
			want:       "10.0.0.1",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:8443",
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/oauth/token", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.proxies); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
