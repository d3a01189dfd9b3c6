package ratelimit

import (
	"sync"
	"time"
)

// Limiter holds one token bucket per key, created lazily. Idle buckets are
// dropped by a background sweep so abandoned chats do not accumulate.
type Limiter struct {
	capacity   float64
	refillRate float64

	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewLimiter creates a Limiter with a 5-minute cleanup cadence.
func NewLimiter(capacity, refillRate float64) *Limiter {
	return NewLimiterWithCleanup(capacity, refillRate, 5*time.Minute)
}

// NewLimiterWithCleanup creates a Limiter with a custom cleanup interval
// (0 disables cleanup).
func NewLimiterWithCleanup(capacity, refillRate float64, cleanupInterval time.Duration) *Limiter {
	l := &Limiter{
		capacity:    capacity,
		refillRate:  refillRate,
		buckets:     make(map[string]*TokenBucket),
		stopCleanup: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop(cleanupInterval)
	}
	return l
}

// Allow consumes one token for the key.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// RetryAfter returns the wait until the key gets a token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	return l.bucket(key).RetryAfter()
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Close stops the cleanup loop.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
	return nil
}

func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(l.capacity, l.refillRate)
	l.buckets[key] = b
	return b
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets back at (near) full capacity; those keys have been
// idle long enough to refill and will be recreated on demand.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.Remaining() >= l.capacity*0.95 {
			delete(l.buckets, key)
		}
	}
}
