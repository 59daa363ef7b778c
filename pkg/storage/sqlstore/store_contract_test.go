package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/hookd/pkg/webhooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSub(id, tenant string, events ...string) *webhooks.Subscription {
	return &webhooks.Subscription{
		ID:            id,
		TenantID:      tenant,
		Name:          "orders",
		URL:           "https://example.com/hook",
		Secret:        "0123456789abcdef",
		VerifySSL:     true,
		CustomHeaders: map[string]string{"X-Team": "billing"},
		Events:        events,
		MaxRetries:    3,
		RetryDelay:    1000,
		RetryBackoff:  2,
		Timeout:       30000,
		Metadata:      map[string]any{"owner": "ops"},
		IsActive:      true,
		IsHealthy:     true,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func newEvent(id, tenant string, status webhooks.EventStatus) *webhooks.Event {
	return &webhooks.Event{
		ID:           id,
		TenantID:     tenant,
		EventType:    "order.created",
		EventVersion: "1.0",
		Source:       "orders",
		Data:         json.RawMessage(`{"id":1}`),
		Status:       status,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func newDelivery(id, tenant string, created time.Time) *webhooks.Delivery {
	return &webhooks.Delivery{
		ID:         id,
		TenantID:   tenant,
		EventType:  "order.created",
		Payload:    json.RawMessage(`{"id":1}`),
		Status:     webhooks.DeliveryStatusPending,
		MaxRetries: 1,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

// seedDeliveries stores deliveries through a processed event. The owning
// subscription lives under a separate tenant so it does not skew summaries.
func seedDeliveries(t *testing.T, s *Store, tenant string, deliveries ...*webhooks.Delivery) {
	t.Helper()
	ctx := context.Background()
	id := "seed-" + deliveries[0].ID
	require.NoError(t, s.CreateSubscription(ctx, newSub(id, "seed", "order.created")))
	evt := newEvent(id, tenant, webhooks.EventStatusProcessing)
	require.NoError(t, s.CreateEvent(ctx, evt))
	for _, d := range deliveries {
		d.SubscriptionID = id
		d.EventID = id
	}
	require.NoError(t, s.CompleteFanOut(ctx, evt, deliveries, t0))
}

// runStoreContract exercises a Store against one backing database
func runStoreContract(t *testing.T, newStore func(t *testing.T) *Store) {
	t.Run("subscription lifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		sub := newSub("sub-1", "acme", "order.created")
		require.NoError(t, s.CreateSubscription(ctx, sub))
		assert.Error(t, s.CreateSubscription(ctx, sub), "duplicate id")

		got, err := s.GetSubscription(ctx, "acme", "sub-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"order.created"}, got.Events)
		assert.Equal(t, map[string]string{"X-Team": "billing"}, got.CustomHeaders)
		assert.Equal(t, "ops", got.Metadata["owner"])
		assert.True(t, got.VerifySSL)
		assert.True(t, got.CreatedAt.Equal(t0))
		assert.Nil(t, got.LastDeliveryAt)

		_, err = s.GetSubscription(ctx, "globex", "sub-1")
		assert.ErrorIs(t, err, webhooks.ErrNotFound, "tenant scoped")

		got.Name = "renamed"
		got.CustomHeaders = nil
		got.TotalDeliveries = 99
		require.NoError(t, s.UpdateSubscription(ctx, got))
		got, err = s.GetSubscription(ctx, "acme", "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Nil(t, got.CustomHeaders)
		assert.Zero(t, got.TotalDeliveries, "update never touches counters")

		require.NoError(t, s.DeleteSubscription(ctx, "acme", "sub-1", t0.Add(time.Hour)))
		_, err = s.GetSubscription(ctx, "acme", "sub-1")
		assert.ErrorIs(t, err, webhooks.ErrNotFound)
		assert.ErrorIs(t, s.DeleteSubscription(ctx, "acme", "sub-1", t0), webhooks.ErrNotFound)
		assert.ErrorIs(t, s.UpdateSubscription(ctx, got), webhooks.ErrNotFound)

		subs, err := s.ListSubscriptionsForEvent(ctx, "acme", "order.created")
		require.NoError(t, err)
		assert.Empty(t, subs, "deleted subscriptions are not fanned out to")

		// in-flight outcomes still settle on a deleted subscription
		after, _, err := s.RecordOutcome(ctx, "acme", "sub-1", true, t0, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), after.TotalDeliveries)
		assert.False(t, after.IsActive)
	})

	t.Run("list filters", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for i, id := range []string{"a", "b", "c"} {
			sub := newSub(id, "acme", "order.created")
			sub.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
			if id == "b" {
				sub.IsActive = false
				sub.Events = []string{"order.paid", "order.shipped"}
			}
			require.NoError(t, s.CreateSubscription(ctx, sub))
		}
		require.NoError(t, s.CreateSubscription(ctx, newSub("other", "globex", "order.created")))

		all, err := s.ListSubscriptions(ctx, "acme", webhooks.SubscriptionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].ID, "newest first")

		active := true
		list, err := s.ListSubscriptions(ctx, "acme", webhooks.SubscriptionFilter{IsActive: &active})
		require.NoError(t, err)
		assert.Len(t, list, 2)

		list, err = s.ListSubscriptions(ctx, "acme", webhooks.SubscriptionFilter{Events: []string{"order.shipped", "nope"}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "b", list[0].ID)

		list, err = s.ListSubscriptions(ctx, "acme", webhooks.SubscriptionFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "b", list[0].ID)

		list, err = s.ListSubscriptions(ctx, "acme", webhooks.SubscriptionFilter{Offset: 2})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "a", list[0].ID)

		list, err = s.ListSubscriptions(ctx, "acme", webhooks.SubscriptionFilter{Limit: 10, Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, list)

		forEvent, err := s.ListSubscriptionsForEvent(ctx, "acme", "order.created")
		require.NoError(t, err)
		require.Len(t, forEvent, 2)
		assert.Equal(t, "a", forEvent[0].ID)
		assert.Equal(t, "c", forEvent[1].ID)
	})

	t.Run("record outcome", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSubscription(ctx, newSub("sub-1", "acme", "x")))

		for i := 1; i <= 3; i++ {
			sub, wasHealthy, err := s.RecordOutcome(ctx, "acme", "sub-1", false, t0, 3)
			require.NoError(t, err)
			assert.Equal(t, i, sub.ConsecutiveFailures)
			assert.True(t, wasHealthy)
			assert.Equal(t, i < 3, sub.IsHealthy)
		}

		sub, wasHealthy, err := s.RecordOutcome(ctx, "acme", "sub-1", true, t0.Add(time.Minute), 3)
		require.NoError(t, err)
		assert.False(t, wasHealthy)
		assert.True(t, sub.IsHealthy)
		assert.Zero(t, sub.ConsecutiveFailures)
		assert.Equal(t, int64(4), sub.TotalDeliveries)
		assert.Equal(t, int64(1), sub.SuccessfulDeliveries)
		assert.Equal(t, int64(3), sub.FailedDeliveries)
		require.NotNil(t, sub.LastSuccessAt)
		require.NotNil(t, sub.LastFailureAt)
		assert.True(t, sub.LastSuccessAt.After(*sub.LastFailureAt))

		_, _, err = s.RecordOutcome(ctx, "acme", "missing", true, t0, 3)
		assert.ErrorIs(t, err, webhooks.ErrNotFound)
	})

	t.Run("event transitions and fan-out", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSubscription(ctx, newSub("sub-1", "acme", "order.created")))

		evt := newEvent("evt-1", "acme", webhooks.EventStatusPending)
		evt.Metadata = map[string]any{"trace": "abc"}
		require.NoError(t, s.CreateEvent(ctx, evt))

		err := s.CompleteFanOut(ctx, evt, nil, t0)
		assert.ErrorIs(t, err, webhooks.ErrConflict, "fan-out requires PROCESSING")
		err = s.CompleteFanOut(ctx, newEvent("missing", "acme", webhooks.EventStatusProcessing), nil, t0)
		assert.ErrorIs(t, err, webhooks.ErrNotFound)

		pending := []webhooks.EventStatus{webhooks.EventStatusPending, webhooks.EventStatusFailed}
		ok, err := s.TransitionEvent(ctx, "acme", "evt-1", pending, webhooks.EventStatusProcessing, t0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TransitionEvent(ctx, "acme", "evt-1", pending, webhooks.EventStatusProcessing, t0)
		require.NoError(t, err)
		assert.False(t, ok, "second claim loses")

		ok, err = s.TransitionEvent(ctx, "acme", "missing", pending, webhooks.EventStatusProcessing, t0)
		require.NoError(t, err)
		assert.False(t, ok)

		d1 := newDelivery("d1", "acme", t0)
		d2 := newDelivery("d2", "acme", t0.Add(time.Second))
		for _, d := range []*webhooks.Delivery{d1, d2} {
			d.SubscriptionID, d.EventID = "sub-1", "evt-1"
		}
		require.NoError(t, s.CompleteFanOut(ctx, evt, []*webhooks.Delivery{d2, d1}, t0.Add(time.Minute)))

		got, err := s.GetEvent(ctx, "acme", "evt-1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.EventStatusProcessed, got.Status)
		assert.Equal(t, 2, got.DeliveryCount)
		assert.JSONEq(t, `{"id":1}`, string(got.Data))
		assert.Equal(t, "abc", got.Metadata["trace"])
		require.NotNil(t, got.ProcessedAt)

		byEvent, err := s.ListDeliveriesByEvent(ctx, "acme", "evt-1")
		require.NoError(t, err)
		require.Len(t, byEvent, 2)
		assert.Equal(t, "d1", byEvent[0].ID)
		assert.JSONEq(t, `{"id":1}`, string(byEvent[0].Payload))

		list, err := s.ListEvents(ctx, "acme", webhooks.EventFilter{Status: webhooks.EventStatusProcessed})
		require.NoError(t, err)
		assert.Len(t, list, 1)
		list, err = s.ListEvents(ctx, "acme", webhooks.EventFilter{EventType: "order.paid"})
		require.NoError(t, err)
		assert.Empty(t, list)

		require.NoError(t, s.FailEvent(ctx, "acme", "evt-1", "boom", t0))
		got, err = s.GetEvent(ctx, "acme", "evt-1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.EventStatusFailed, got.Status)
		assert.Equal(t, "boom", got.ErrorMessage)
		assert.ErrorIs(t, s.FailEvent(ctx, "acme", "missing", "boom", t0), webhooks.ErrNotFound)

		_, err = s.GetEvent(ctx, "globex", "evt-1")
		assert.ErrorIs(t, err, webhooks.ErrNotFound)
	})

	t.Run("claim finish cancel", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		seedDeliveries(t, s, "acme", newDelivery("d1", "acme", t0))

		claimed, err := s.ClaimDelivery(ctx, "acme", "d1", t0.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusSending, claimed.Status)
		assert.Equal(t, 1, claimed.AttemptCount)
		require.NotNil(t, claimed.StartedAt)

		_, err = s.ClaimDelivery(ctx, "acme", "d1", t0)
		assert.ErrorIs(t, err, webhooks.ErrConflict, "already SENDING")
		_, err = s.ClaimDelivery(ctx, "acme", "missing", t0)
		assert.ErrorIs(t, err, webhooks.ErrNotFound)

		next := t0.Add(time.Minute)
		status := 503
		body := "unavailable"
		claimed.Status = webhooks.DeliveryStatusRetrying
		claimed.NextRetryAt = &next
		claimed.HTTPStatus = &status
		claimed.ResponseBody = &body
		claimed.ResponseHeaders = map[string]string{"Retry-After": "60"}
		claimed.ErrorDetails = map[string]any{"statusCode": 503}
		kept, err := s.FinishAttempt(ctx, claimed)
		require.NoError(t, err)
		assert.True(t, kept)

		got, err := s.GetDelivery(ctx, "acme", "d1")
		require.NoError(t, err)
		require.NotNil(t, got.HTTPStatus)
		assert.Equal(t, 503, *got.HTTPStatus)
		assert.Equal(t, "60", got.ResponseHeaders["Retry-After"])
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, got.NextRetryAt.Equal(next))

		// second attempt then cancel while SENDING: the result is discarded
		claimed, err = s.ClaimDelivery(ctx, "acme", "d1", next)
		require.NoError(t, err)
		assert.Equal(t, 2, claimed.AttemptCount)
		assert.Nil(t, claimed.NextRetryAt)

		cancelled, err := s.CancelDelivery(ctx, "acme", "d1", next)
		require.NoError(t, err)
		assert.True(t, cancelled)

		claimed.Status = webhooks.DeliveryStatusDelivered
		kept, err = s.FinishAttempt(ctx, claimed)
		require.NoError(t, err)
		assert.False(t, kept)

		got, err = s.GetDelivery(ctx, "acme", "d1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusCancelled, got.Status)

		cancelled, err = s.CancelDelivery(ctx, "acme", "d1", next)
		require.NoError(t, err)
		assert.False(t, cancelled, "terminal deliveries stay put")

		_, err = s.CancelDelivery(ctx, "acme", "missing", next)
		assert.ErrorIs(t, err, webhooks.ErrNotFound)
		claimed.ID = "missing"
		_, err = s.FinishAttempt(ctx, claimed)
		assert.ErrorIs(t, err, webhooks.ErrNotFound)
	})

	t.Run("claim respects attempt cap", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		d := newDelivery("d1", "acme", t0)
		d.Status = webhooks.DeliveryStatusRetrying
		d.AttemptCount = 2 // MaxRetries 1 allows two attempts
		seedDeliveries(t, s, "acme", d)

		_, err := s.ClaimDelivery(ctx, "acme", "d1", t0)
		assert.ErrorIs(t, err, webhooks.ErrConflict)

		due, err := s.DueDeliveries(ctx, "", t0.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("due deliveries and expiry", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		now := t0.Add(48 * time.Hour)
		future := now.Add(time.Minute)
		past := now.Add(-time.Minute)
		stale := now.Add(-25 * time.Hour)

		fresh := newDelivery("fresh", "acme", now.Add(-time.Hour))
		later := newDelivery("later", "acme", now.Add(-2*time.Hour))
		later.Status = webhooks.DeliveryStatusRetrying
		later.AttemptCount = 1
		later.NextRetryAt = &future
		ready := newDelivery("ready", "acme", now.Add(-3*time.Hour))
		ready.Status = webhooks.DeliveryStatusRetrying
		ready.AttemptCount = 1
		ready.NextRetryAt = &past
		old := newDelivery("old", "acme", stale)
		oldRetry := newDelivery("old-retry", "acme", t0)
		oldRetry.Status = webhooks.DeliveryStatusRetrying
		oldRetry.AttemptCount = 1
		oldRetry.NextRetryAt = &stale
		done := newDelivery("done", "acme", t0)
		done.Status = webhooks.DeliveryStatusDelivered
		seedDeliveries(t, s, "acme", fresh, later, ready, old, oldRetry, done)
		seedDeliveries(t, s, "globex", newDelivery("g1", "globex", now.Add(-time.Hour)))

		expired, err := s.ExpireStale(ctx, "acme", now.Add(-24*time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, 2, expired)

		got, err := s.GetDelivery(ctx, "acme", "old-retry")
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusExpired, got.Status)
		assert.Equal(t, webhooks.ErrorCodeExpired, got.ErrorCode)
		assert.Nil(t, got.NextRetryAt)
		require.NotNil(t, got.CompletedAt)

		due, err := s.DueDeliveries(ctx, "acme", now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "ready", due[0].ID, "oldest first")
		assert.Equal(t, "fresh", due[1].ID)

		due, err = s.DueDeliveries(ctx, "", now, 10)
		require.NoError(t, err)
		assert.Len(t, due, 3, "empty tenant spans all tenants")

		due, err = s.DueDeliveries(ctx, "", now, 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		list, err := s.ListDeliveries(ctx, "acme", webhooks.DeliveryFilter{Status: webhooks.DeliveryStatusExpired})
		require.NoError(t, err)
		assert.Len(t, list, 2)
		list, err = s.ListDeliveries(ctx, "acme", webhooks.DeliveryFilter{EventID: "seed-fresh", Limit: 2})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "fresh", list[0].ID, "newest first")
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		seedDeliveries(t, s, "acme", newDelivery("d1", "acme", t0))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ClaimDelivery(ctx, "acme", "d1", t0)
				if err != nil && !errors.Is(err, webhooks.ErrConflict) {
					t.Errorf("unexpected claim error: %v", err)
					return
				}
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		got, err := s.GetDelivery(ctx, "acme", "d1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusSending, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("concurrent outcomes are not lost", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateSubscription(ctx, newSub("sub-1", "acme", "x")))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := s.RecordOutcome(ctx, "acme", "sub-1", i%2 == 0, t0, 3)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		sub, err := s.GetSubscription(ctx, "acme", "sub-1")
		require.NoError(t, err)
		assert.Equal(t, int64(n), sub.TotalDeliveries)
		assert.Equal(t, int64(n/2), sub.SuccessfulDeliveries)
		assert.Equal(t, int64(n/2), sub.FailedDeliveries)
	})

	t.Run("stale claims are released", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := t0.Add(time.Hour)
		cutoff := now.Add(-10 * time.Minute)
		started := t0
		recent := now.Add(-time.Minute)

		requeue := newDelivery("requeue", "acme", t0)
		requeue.Status, requeue.AttemptCount, requeue.StartedAt = webhooks.DeliveryStatusSending, 1, &started
		spent := newDelivery("spent", "acme", t0)
		spent.Status, spent.AttemptCount, spent.StartedAt = webhooks.DeliveryStatusSending, 2, &started
		busy := newDelivery("busy", "acme", t0)
		busy.Status, busy.AttemptCount, busy.StartedAt = webhooks.DeliveryStatusSending, 1, &recent
		seedDeliveries(t, s, "acme", requeue, spent, busy)
		other := newDelivery("other", "globex", t0)
		other.Status, other.AttemptCount, other.StartedAt = webhooks.DeliveryStatusSending, 1, &started
		seedDeliveries(t, s, "globex", other)

		n, err := s.ReleaseStaleClaims(ctx, "acme", cutoff, now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.GetDelivery(ctx, "acme", "requeue")
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusRetrying, got.Status)
		assert.Equal(t, 1, got.AttemptCount, "the abandoned attempt stays counted")
		assert.Equal(t, webhooks.ErrorCodeAttemptAbandoned, got.ErrorCode)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, got.NextRetryAt.Equal(now))

		due, err := s.DueDeliveries(ctx, "acme", now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "requeue", due[0].ID)
		_, err = s.ClaimDelivery(ctx, "acme", "requeue", now)
		assert.NoError(t, err, "released deliveries can be claimed again")

		got, err = s.GetDelivery(ctx, "acme", "spent")
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusFailed, got.Status)
		assert.Equal(t, webhooks.StaleClaimMessage, got.ErrorMessage)
		assert.Nil(t, got.NextRetryAt)
		require.NotNil(t, got.CompletedAt)

		got, err = s.GetDelivery(ctx, "acme", "busy")
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusSending, got.Status, "claims younger than the cutoff stay")

		n, err = s.ReleaseStaleClaims(ctx, "", cutoff, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "empty tenant spans all tenants")
	})

	t.Run("stale events are failed", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := t0.Add(time.Hour)

		stale := newEvent("stale", "acme", webhooks.EventStatusProcessing)
		fresh := newEvent("fresh", "acme", webhooks.EventStatusProcessing)
		fresh.UpdatedAt = now.Add(-time.Minute)
		pending := newEvent("pending", "acme", webhooks.EventStatusPending)
		for _, e := range []*webhooks.Event{stale, fresh, pending} {
			require.NoError(t, s.CreateEvent(ctx, e))
		}

		n, err := s.FailStaleEvents(ctx, "acme", now.Add(-10*time.Minute), now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetEvent(ctx, "acme", "stale")
		require.NoError(t, err)
		assert.Equal(t, webhooks.EventStatusFailed, got.Status)
		assert.Equal(t, webhooks.StaleEventMessage, got.ErrorMessage)

		ok, err := s.TransitionEvent(ctx, "acme", "stale",
			[]webhooks.EventStatus{webhooks.EventStatusPending, webhooks.EventStatusFailed}, webhooks.EventStatusProcessing, now)
		require.NoError(t, err)
		assert.True(t, ok, "a recovered event can be processed again")

		got, err = s.GetEvent(ctx, "acme", "fresh")
		require.NoError(t, err)
		assert.Equal(t, webhooks.EventStatusProcessing, got.Status)
	})

	t.Run("stats", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		healthy := newSub("s1", "acme", "x")
		healthy.TotalDeliveries, healthy.SuccessfulDeliveries, healthy.FailedDeliveries = 10, 8, 2
		sick := newSub("s2", "acme", "x")
		sick.IsHealthy = false
		sick.IsActive = false
		sick.TotalDeliveries, sick.FailedDeliveries = 5, 5
		require.NoError(t, s.CreateSubscription(ctx, healthy))
		require.NoError(t, s.CreateSubscription(ctx, sick))

		a := newDelivery("a", "acme", t0)
		a.Status, a.AttemptCount, a.DurationMs = webhooks.DeliveryStatusDelivered, 1, 100
		b := newDelivery("b", "acme", t0)
		b.Status, b.AttemptCount, b.DurationMs = webhooks.DeliveryStatusFailed, 2, 300
		c := newDelivery("c", "acme", t0)
		seedDeliveries(t, s, "acme", a, b, c)

		summary, err := s.SubscriptionSummary(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, &webhooks.SubscriptionSummary{
			Total: 2, Active: 1, Healthy: 1,
			TotalDeliveries: 15, SuccessfulDeliveries: 8, FailedDeliveries: 7,
		}, summary)

		byStatus, err := s.DeliveryStatusCounts(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, map[webhooks.DeliveryStatus]int64{
			webhooks.DeliveryStatusDelivered: 1,
			webhooks.DeliveryStatusFailed:    1,
			webhooks.DeliveryStatusPending:   1,
		}, byStatus)

		byType, err := s.EventTypeCounts(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"order.created": 1}, byType)

		avg, err := s.AverageDeliveryDuration(ctx, "acme")
		require.NoError(t, err)
		assert.InDelta(t, 200.0, avg, 0.001)

		avg, err = s.AverageDeliveryDuration(ctx, "globex")
		require.NoError(t, err)
		assert.Zero(t, avg)

		empty, err := s.SubscriptionSummary(ctx, "globex")
		require.NoError(t, err)
		assert.Zero(t, empty.Total)
	})
}
