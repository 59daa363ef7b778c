package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3}
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(3))
	assert.False(t, p.ShouldRetry(4), "initial attempt plus three retries")

	none := RetryPolicy{MaxRetries: 0}
	assert.False(t, none.ShouldRetry(1))
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		policy   RetryPolicy
		attempt  int
		expected time.Duration
	}{
		{
			name:     "first attempt waits the base delay",
			policy:   RetryPolicy{Delay: time.Second, Backoff: 2},
			attempt:  1,
			expected: time.Second,
		},
		{
			name:     "second attempt doubles",
			policy:   RetryPolicy{Delay: time.Second, Backoff: 2},
			attempt:  2,
			expected: 2 * time.Second,
		},
		{
			name:     "third attempt quadruples",
			policy:   RetryPolicy{Delay: time.Second, Backoff: 2},
			attempt:  3,
			expected: 4 * time.Second,
		},
		{
			name:     "fractional backoff",
			policy:   RetryPolicy{Delay: time.Second, Backoff: 1.5},
			attempt:  3,
			expected: 2250 * time.Millisecond,
		},
		{
			name:     "capped by max delay",
			policy:   RetryPolicy{Delay: time.Minute, Backoff: 5, MaxDelay: time.Hour},
			attempt:  10,
			expected: time.Hour,
		},
		{
			name:     "backoff below one is treated as constant",
			policy:   RetryPolicy{Delay: time.Second, Backoff: 0.5},
			attempt:  4,
			expected: time.Second,
		},
		{
			name:     "zero attempt is treated as the first",
			policy:   RetryPolicy{Delay: time.Second, Backoff: 2},
			attempt:  0,
			expected: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.policy.NextRetryDelay(tt.attempt))
		})
	}
}

func TestRetryPolicy_NextRetryTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := RetryPolicy{Delay: 500 * time.Millisecond, Backoff: 2}
	assert.Equal(t, now.Add(time.Second), p.NextRetryTime(now, 2))
}

func TestSubscriptionPolicy(t *testing.T) {
	sub := &Subscription{MaxRetries: 2, RetryDelay: 1500, RetryBackoff: 3}
	p := sub.Policy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 1500*time.Millisecond, p.Delay)
	assert.Equal(t, 3.0, p.Backoff)
}

func TestDeliveryAttemptCap(t *testing.T) {
	d := &Delivery{MaxRetries: 2}
	assert.Equal(t, 3, d.MaxAttempts())
	d.AttemptCount = 2
	assert.False(t, d.Exhausted())
	d.AttemptCount = 3
	assert.True(t, d.Exhausted())
}

func TestDeliveryStatus(t *testing.T) {
	for _, s := range []DeliveryStatus{DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusCancelled, DeliveryStatusExpired} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []DeliveryStatus{DeliveryStatusPending, DeliveryStatusSending, DeliveryStatusRetrying} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.True(t, DeliveryStatusRetrying.Valid())
	assert.False(t, DeliveryStatus("LOST").Valid())
}
