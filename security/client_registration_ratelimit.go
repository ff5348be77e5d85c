package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour bounds dynamic client registrations
	// per source IP. Registration creates persistent server state, so the
	// budget is far tighter than request rate limiting.
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the sliding window the budget applies to.
	DefaultRegistrationWindow = time.Hour

	defaultRegistrationCleanupEvery = 15 * time.Minute
	defaultRegistrationMaxTracked   = 10000
)

// ClientRegistrationRateLimiter enforces a sliding-window budget of
// registrations per IP. Unlike the token-bucket RateLimiter, it keeps the
// individual timestamps so a burst cannot be repeated immediately after
// the window slides past it. Tracking is LRU-bounded.
type ClientRegistrationRateLimiter struct {
	mu         sync.Mutex
	byIP       map[string]*list.Element
	recency    *list.List // front = most recently seen *registrationWindow
	budget     int
	window     time.Duration
	maxTracked int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	blocked    int64
}

type registrationWindow struct {
	ip       string
	attempts []time.Time
	lastSeen time.Time
}

// NewClientRegistrationRateLimiter creates a limiter with the default
// budget of DefaultMaxRegistrationsPerHour per DefaultRegistrationWindow.
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		defaultRegistrationMaxTracked,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig creates a limiter with a
// custom budget, window, and tracking bound. Non-positive values fall back
// to the defaults.
func NewClientRegistrationRateLimiterWithConfig(budget int, window time.Duration, maxTracked int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if budget <= 0 {
		budget = DefaultMaxRegistrationsPerHour
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxTracked < 0 {
		maxTracked = defaultRegistrationMaxTracked
	}

	rl := &ClientRegistrationRateLimiter{
		byIP:       make(map[string]*list.Element),
		recency:    list.New(),
		budget:     budget,
		window:     window,
		maxTracked: maxTracked,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.pruneLoop()
	return rl
}

// Allow records a registration attempt from ip and reports whether it is
// within the sliding-window budget. Blocked attempts are not recorded, so
// a client hammering the endpoint does not extend its own lockout.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, ok := rl.byIP[ip]
	if !ok {
		if rl.maxTracked > 0 && len(rl.byIP) >= rl.maxTracked {
			rl.dropOldest()
		}
		w := &registrationWindow{ip: ip, attempts: []time.Time{now}, lastSeen: now}
		rl.byIP[ip] = rl.recency.PushFront(w)
		return true
	}

	rl.recency.MoveToFront(elem)
	w := elem.Value.(*registrationWindow)
	w.lastSeen = now

	// Slide the window: drop attempts older than the cutoff in place.
	kept := w.attempts[:0]
	for _, at := range w.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	w.attempts = kept

	if len(w.attempts) >= rl.budget {
		rl.blocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"attempts_in_window", len(w.attempts),
			"budget", rl.budget,
			"window", rl.window)
		return false
	}

	w.attempts = append(w.attempts, now)
	return true
}

// Stop ends the background pruning goroutine. Safe to call repeatedly.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// dropOldest evicts the least recently seen IP. Caller holds mu.
func (rl *ClientRegistrationRateLimiter) dropOldest() {
	elem := rl.recency.Back()
	if elem == nil {
		return
	}
	w := elem.Value.(*registrationWindow)
	delete(rl.byIP, w.ip)
	rl.recency.Remove(elem)
}

func (rl *ClientRegistrationRateLimiter) pruneLoop() {
	ticker := time.NewTicker(defaultRegistrationCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.pruneIdle()
		case <-rl.stop:
			return
		}
	}
}

// pruneIdle drops IPs not seen for two full windows; their attempt lists
// would be empty after sliding anyway.
func (rl *ClientRegistrationRateLimiter) pruneIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.window)
	removed := 0

	for elem := rl.recency.Back(); elem != nil; elem = rl.recency.Back() {
		w := elem.Value.(*registrationWindow)
		if w.lastSeen.After(cutoff) {
			break
		}
		delete(rl.byIP, w.ip)
		rl.recency.Remove(elem)
		removed++
	}

	if removed > 0 {
		rl.logger.Debug("Pruned idle registration limiter entries",
			"removed", removed,
			"tracked", len(rl.byIP))
	}
}
