package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the originating client IP for a request.
//
// With trustProxy false the connection's RemoteAddr is authoritative and
// forwarding headers are ignored, since any client can forge them. With
// trustProxy true, X-Forwarded-For is consulted first, then X-Real-IP.
// trustedProxyCount says how many proxies we operate sit at the right end
// of the X-Forwarded-For chain; everything left of them is client-supplied
// and only the entry immediately before our proxies is taken.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIPOrEmpty(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return remoteAddrIP(r.RemoteAddr)
}

// clientIPFromForwardedFor picks the client entry out of an
// X-Forwarded-For chain of the form "client, proxyN, ..., proxy1".
// With trustedProxyCount trusted proxies the client sits at index
// len-count-1; shorter chains fall back to the leftmost entry.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")

	count := trustedProxyCount
	if count == 0 {
		count = 1
	}
	idx := len(hops) - count - 1
	if idx < 0 {
		idx = 0
	}

	return validIPOrEmpty(strings.TrimSpace(hops[idx]))
}

// validIPOrEmpty returns s when it parses as an IP address, else "".
func validIPOrEmpty(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// remoteAddrIP strips the port from a host:port RemoteAddr.
func remoteAddrIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
