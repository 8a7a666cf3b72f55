package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// bucket is one visitor's token bucket.
type bucket struct {
	// mu protects the individual bucket so different visitors never contend.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter throttles code submissions per client IP with a token bucket.
type RateLimiter struct {
	// buckets maps client IPs to their state. mu guards the map only.
	buckets map[string]*bucket
	mu      sync.RWMutex

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter. A non-positive rate disables limiting.
// Idle visitors are evicted by a background goroutine until ctx is done.
func NewRateLimiter(ctx context.Context, rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}

	go rl.cleanupVisitors(ctx)

	return rl
}

// getBucket retrieves or creates the bucket for key.
func (rl *RateLimiter) getBucket(key string) *bucket {
	// 1. Fast Path: Read Lock
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if exists {
		return b
	}

	// 2. Slow Path: Write Lock
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, exists = rl.buckets[key]; !exists {
		b = &bucket{
			tokens:     rl.capacity, // Start full
			lastRefill: rl.now(),
		}
		rl.buckets[key] = b
	}

	return b
}

// Allow consumes a token for key, refilling lazily from the elapsed time.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.rate <= 0 {
		return true
	}

	b := rl.getBucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if tokensToAdd := elapsed * rl.rate; tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > rl.capacity {
			b.tokens = rl.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}

	return false
}

// cleanupVisitors removes idle buckets to keep the map bounded.
func (rl *RateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(visitorTimeout)
		}
	}
}

func (rl *RateLimiter) evict(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if rl.now().Sub(b.lastRefill) > idle {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// ClientIP extracts the caller's address, honouring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
