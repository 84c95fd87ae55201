// Package ratelimit provides token-bucket limiters. The key core uses a
// per-caller limiter to slow down message-recovery probing with stolen or
// guessed private keys.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket refilled at a fixed rate.
type Bucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int     // max tokens
	available  float64
	lastRefill time.Time
}

func NewBucket(rate float64, burst int) *Bucket {
	return &Bucket{rate: rate, burst: burst, available: float64(burst), lastRefill: time.Now()}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.available += elapsed * b.rate
	if b.available > float64(b.burst) {
		b.available = float64(b.burst)
	}
	b.lastRefill = now
}

// Allow consumes n tokens if available and returns true, otherwise false.
func (b *Bucket) Allow(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.available >= float64(n) {
		b.available -= float64(n)
		return true
	}
	return false
}

// Keyed maintains one bucket per key. Buckets are created on first use and
// never evicted; callers are bounded (one per user) so growth is acceptable.
type Keyed struct {
	mu      sync.Mutex
	rate    float64
	burst   int
	buckets map[string]*Bucket
}

func NewKeyed(rate float64, burst int) *Keyed {
	return &Keyed{rate: rate, burst: burst, buckets: make(map[string]*Bucket)}
}

// Allow consumes one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = NewBucket(k.rate, k.burst)
		k.buckets[key] = b
	}
	k.mu.Unlock()
	return b.Allow(1)
}
