package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/storage/memory"
	"github.com/platinummonkey/hookd/pkg/webhooks"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSub(id string, events ...string) *webhooks.Subscription {
	return &webhooks.Subscription{
		ID:           id,
		TenantID:     "acme",
		URL:          "https://example.com/hook",
		Secret:       "0123456789abcdef",
		Events:       events,
		MaxRetries:   3,
		RetryDelay:   1000,
		RetryBackoff: 2,
		Timeout:      30000,
		IsActive:     true,
		IsHealthy:    true,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func TestGetSubscriptionIsCached(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	backing := memory.New()
	s := New(backing, Config{}, metrics)
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub-1", "order.created")))

	first, err := s.GetSubscription(ctx, "acme", "sub-1")
	require.NoError(t, err)
	first.Events[0] = "mutated"

	// a write that bypasses the decorator stays invisible until invalidation
	stale := newSub("sub-1", "order.paid")
	require.NoError(t, backing.UpdateSubscription(ctx, stale))

	second, err := s.GetSubscription(ctx, "acme", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"order.created"}, second.Events, "served from cache, isolated from callers")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SubscriptionsCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SubscriptionsCache.WithLabelValues("miss")))

	_, err = s.GetSubscription(ctx, "acme", "missing")
	assert.ErrorIs(t, err, webhooks.ErrNotFound)
}

func TestWritesInvalidate(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(), Config{Size: 16, TTL: time.Minute}, nil)
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub-1", "order.created")))

	subs, err := s.ListSubscriptionsForEvent(ctx, "acme", "order.created")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	_, err = s.GetSubscription(ctx, "acme", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.CreateSubscription(ctx, newSub("sub-2", "order.created")))
	subs, err = s.ListSubscriptionsForEvent(ctx, "acme", "order.created")
	require.NoError(t, err)
	assert.Len(t, subs, 2, "create drops fan-out entries")

	sub, err := s.GetSubscription(ctx, "acme", "sub-1")
	require.NoError(t, err)
	sub.Name = "renamed"
	require.NoError(t, s.UpdateSubscription(ctx, sub))
	sub, err = s.GetSubscription(ctx, "acme", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", sub.Name)

	after, _, err := s.RecordOutcome(ctx, "acme", "sub-1", false, t0, 5)
	require.NoError(t, err)
	sub, err = s.GetSubscription(ctx, "acme", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, after.FailedDeliveries, sub.FailedDeliveries)

	require.NoError(t, s.DeleteSubscription(ctx, "acme", "sub-1", t0))
	_, err = s.GetSubscription(ctx, "acme", "sub-1")
	assert.ErrorIs(t, err, webhooks.ErrNotFound)
	subs, err = s.ListSubscriptionsForEvent(ctx, "acme", "order.created")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-2", subs[0].ID)

	s.Purge()
	assert.Zero(t, s.Len())
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	s := New(backing, Config{TTL: 20 * time.Millisecond}, nil)
	require.NoError(t, s.CreateSubscription(ctx, newSub("sub-1", "order.created")))
	_, err := s.GetSubscription(ctx, "acme", "sub-1")
	require.NoError(t, err)

	changed := newSub("sub-1", "order.created")
	changed.Name = "changed elsewhere"
	require.NoError(t, backing.UpdateSubscription(ctx, changed))

	assert.Eventually(t, func() bool {
		sub, err := s.GetSubscription(ctx, "acme", "sub-1")
		return err == nil && sub.Name == "changed elsewhere"
	}, time.Second, 10*time.Millisecond)
}
