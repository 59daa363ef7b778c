package webhooks

import (
	"math"
	"time"
)

// Subscription policy defaults and bounds
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = int64(1000)
	DefaultRetryBackoff = 2.0
	DefaultTimeoutMs    = int64(30000)

	MinMaxRetries   = 0
	MaxMaxRetries   = 10
	MinRetryBackoff = 1.0
	MaxRetryBackoff = 5.0
	MaxRetryDelayMs = int64(24 * time.Hour / time.Millisecond)
	MaxTimeoutMs    = int64(5 * time.Minute / time.Millisecond)
)

// DefaultMaxRetryDelay caps a single backoff interval
const DefaultMaxRetryDelay = time.Hour

// RetryPolicy implements exponential backoff retry logic
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    float64
	// MaxDelay caps the computed delay; zero means uncapped
	MaxDelay time.Duration
}

// ShouldRetry determines if a failed attempt leaves room for another
func (p RetryPolicy) ShouldRetry(attemptCount int) bool {
	return attemptCount < p.MaxRetries+1
}

// NextRetryDelay calculates the delay after the given attempt.
// Attempt 1 waits the base delay; each later attempt multiplies it by Backoff.
func (p RetryPolicy) NextRetryDelay(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		attemptCount = 1
	}
	backoff := p.Backoff
	if backoff < MinRetryBackoff {
		backoff = MinRetryBackoff
	}

	// Exponential backoff: delay = base * (backoff ^ (attempts - 1))
	delay := float64(p.Delay) * math.Pow(backoff, float64(attemptCount-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// NextRetryTime calculates when the next retry should occur
func (p RetryPolicy) NextRetryTime(now time.Time, attemptCount int) time.Time {
	return now.Add(p.NextRetryDelay(attemptCount))
}
