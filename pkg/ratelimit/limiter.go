package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether another outbound request for key may go out now
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucketLimiter implements in-process token bucket rate limiting per key
type TokenBucketLimiter struct {
	buckets      map[string]*tokenBucket
	mutex        sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
	now          func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucketLimiter allows maxRequests per key, refilling one token every period/maxRequests
func NewTokenBucketLimiter(maxRequests int, period time.Duration) *TokenBucketLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	refill := period / time.Duration(maxRequests)
	if refill <= 0 {
		refill = time.Nanosecond
	}
	return &TokenBucketLimiter{
		buckets:      make(map[string]*tokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: refill,
		now:          time.Now,
	}
}

// Allow takes a token from key's bucket
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	b := l.refill(key)
	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Remaining returns the number of tokens left for key
func (l *TokenBucketLimiter) Remaining(key string) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.refill(key).tokens
}

// Reset forgets key's bucket
func (l *TokenBucketLimiter) Reset(key string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.buckets, key)
}

// refill must be called with the mutex held
func (l *TokenBucketLimiter) refill(key string) *tokenBucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[key] = b
		return b
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed >= l.refillPeriod {
		periods := int(elapsed / l.refillPeriod)
		b.tokens = min(b.tokens+periods, l.maxTokens)
		b.lastRefill = b.lastRefill.Add(time.Duration(periods) * l.refillPeriod)
	}
	return b
}
