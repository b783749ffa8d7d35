// Package ratelimit implements per-peer and global token-bucket rate
// limiting with violation-based blocking.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a leaky-bucket rate primitive. Tokens refill continuously at
// fill_rate per second up to capacity; Consume deducts atomically or fails
// without side effects.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64
	tokens     float64
	lastUpdate time.Time
}

// NewBucket returns a Bucket starting full, as the source's
// TokenBucket.__post_init__ does.
func NewBucket(capacity, fillRate float64) *Bucket {
	return &Bucket{
		capacity:   capacity,
		fillRate:   fillRate,
		tokens:     capacity,
		lastUpdate: time.Now(),
	}
}

// Consume refills the bucket for elapsed time, then deducts n tokens if
// available. It returns false without mutating state beyond the refill when
// there are not enough tokens.
func (b *Bucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.fillRate)
	b.lastUpdate = now

	if n <= b.tokens {
		b.tokens -= n
		return true
	}
	return false
}

// Tokens returns the current token count without consuming any, after
// applying the refill for elapsed time.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.fillRate)
	b.lastUpdate = now
	return b.tokens
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
