package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxTracked      = 10000
	limiterCleanupInterval = 5 * time.Minute
	limiterMaxIdle         = 30 * time.Minute
)

// RateLimiter applies a per-identifier token bucket. Identifiers are
// typically client IPs or subjects. Tracking is bounded: once maxTracked
// distinct identifiers are live, the least recently seen one is dropped,
// so a scan across many source addresses cannot grow memory without bound.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*list.Element
	recency    *list.List // front = most recently seen *bucket
	perSecond  int
	burst      int
	maxTracked int
	logger     *slog.Logger
	stop       chan struct{}
	evictions  int64
}

type bucket struct {
	id       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perSecond sustained requests
// with the given burst per identifier. A background goroutine prunes
// identifiers idle for 30 minutes; call Stop to end it.
func NewRateLimiter(perSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(perSecond, burst, defaultMaxTracked, logger)
}

// NewRateLimiterWithConfig additionally bounds the number of tracked
// identifiers. maxTracked 0 disables the bound.
func NewRateLimiterWithConfig(perSecond, burst, maxTracked int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTracked < 0 {
		maxTracked = defaultMaxTracked
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		recency:    list.New(),
		perSecond:  perSecond,
		burst:      burst,
		maxTracked: maxTracked,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.pruneLoop()
	return rl
}

// Allow reports whether a request from id is within its budget, creating
// the bucket on first sight.
func (rl *RateLimiter) Allow(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[id]; ok {
		rl.recency.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = time.Now()
		return b.limiter.Allow()
	}

	if rl.maxTracked > 0 && len(rl.buckets) >= rl.maxTracked {
		rl.dropOldest()
	}

	b := &bucket{
		id:       id,
		limiter:  rate.NewLimiter(rate.Limit(rl.perSecond), rl.burst),
		lastSeen: time.Now(),
	}
	rl.buckets[id] = rl.recency.PushFront(b)
	return b.limiter.Allow()
}

// Len returns the number of identifiers currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the background pruning goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// dropOldest evicts the least recently seen bucket. Caller holds mu.
func (rl *RateLimiter) dropOldest() {
	elem := rl.recency.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	delete(rl.buckets, b.id)
	rl.recency.Remove(elem)
	rl.evictions++
	rl.logger.Debug("Rate limiter evicted identifier",
		"identifier", b.id,
		"evictions", rl.evictions,
		"tracked", len(rl.buckets))
}

func (rl *RateLimiter) pruneLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.pruneIdle(limiterMaxIdle)
		case <-rl.stop:
			return
		}
	}
}

// pruneIdle drops buckets not seen within maxIdle.
func (rl *RateLimiter) pruneIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0

	// Walk from the least recently seen end; stop at the first live bucket.
	for elem := rl.recency.Back(); elem != nil; elem = rl.recency.Back() {
		b := elem.Value.(*bucket)
		if b.lastSeen.After(cutoff) {
			break
		}
		delete(rl.buckets, b.id)
		rl.recency.Remove(elem)
		removed++
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter pruned idle identifiers",
			"removed", removed,
			"tracked", len(rl.buckets))
	}
}
