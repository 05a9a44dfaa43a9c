package server

import (
	"sync"
	"time"
)

// ipRateLimiter is a simple per-IP token bucket with a fixed refill
// interval. A background janitor evicts buckets idle for over a day so
// the map does not grow without bound.
type ipRateLimiter struct {
	cap    int
	refill time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens int
	last   time.Time
}

func newIPRateLimiter(cap int, refill time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		cap:     cap,
		refill:  refill,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

func (rl *ipRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	b := rl.buckets[key]
	if b == nil {
		rl.buckets[key] = &bucket{tokens: rl.cap - 1, last: now}
		return true
	}
	// reset once per interval
	if now.Sub(b.last) >= rl.refill {
		b.tokens = rl.cap
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// cleanup drops buckets that have been idle longer than 24 hours.
func (rl *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-24 * time.Hour)
	rl.mu.Lock()
	for key, b := range rl.buckets {
		if b.last.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
	rl.mu.Unlock()
}

func (rl *ipRateLimiter) janitor() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Stop terminates the janitor goroutine. Safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
