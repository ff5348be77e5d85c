// Package security holds the cross-cutting protections shared by the
// HTTP surface: per-IP rate limiting, client-IP extraction behind
// reverse proxies, security response headers, request correlation ids,
// and the audit logger.
//
// # Rate limiting
//
// Two limiters cover two different threat shapes. RateLimiter is a
// per-identifier token bucket for request flooding; the bucket table is
// LRU-bounded so a distributed attack cannot grow memory without limit.
// ClientRegistrationRateLimiter enforces a sliding-window budget on
// dynamic client registration, which creates persistent server state
// and therefore gets a much tighter budget than plain requests.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// Both limiters evict the least recently seen identifier when full, so
// repeat callers stay tracked while one-shot attack IPs age out first.
//
// # Audit logging
//
// Auditor emits structured security events (token issuance, reuse
// detection, registration rejections). Subject identifiers are hashed
// before logging so the audit trail never carries raw user ids.
package security
