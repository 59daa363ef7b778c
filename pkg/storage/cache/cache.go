// Package cache provides a read-through subscription cache in front of a
// webhooks.Store. Fan-out looks up subscriptions for every event, so caching
// those lookups takes most reads off the database.
//
// Entries expire after a TTL. Writes through this decorator invalidate
// affected entries immediately; writes made by other replicas become visible
// once the TTL lapses.
package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// Defaults
const (
	DefaultSize = 1024
	DefaultTTL  = 30 * time.Second
)

// Config sizes the cache
type Config struct {
	Size int
	TTL  time.Duration
}

// Store decorates a webhooks.Store with cached subscription reads. Every
// other method passes through to the wrapped store.
type Store struct {
	webhooks.Store

	subscriptions *lru.LRU[string, *webhooks.Subscription]
	byEvent       *lru.LRU[string, []*webhooks.Subscription]
	metrics       *observability.Metrics
}

var _ webhooks.Store = (*Store)(nil)

// New wraps store. A nil metrics disables cache hit counting.
func New(store webhooks.Store, cfg Config, metrics *observability.Metrics) *Store {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Store{
		Store:         store,
		subscriptions: lru.NewLRU[string, *webhooks.Subscription](cfg.Size, nil, cfg.TTL),
		byEvent:       lru.NewLRU[string, []*webhooks.Subscription](cfg.Size, nil, cfg.TTL),
		metrics:       metrics,
	}
}

func key(tenantID, id string) string {
	return tenantID + "\x00" + id
}

// GetSubscription serves from cache when possible
func (s *Store) GetSubscription(ctx context.Context, tenantID, id string) (*webhooks.Subscription, error) {
	k := key(tenantID, id)
	if sub, ok := s.subscriptions.Get(k); ok {
		s.metrics.ObserveCache(true)
		return clone(sub), nil
	}
	s.metrics.ObserveCache(false)

	sub, err := s.Store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	s.subscriptions.Add(k, clone(sub))
	return sub, nil
}

// ListSubscriptionsForEvent serves fan-out lookups from cache when possible
func (s *Store) ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]*webhooks.Subscription, error) {
	k := key(tenantID, eventType)
	if subs, ok := s.byEvent.Get(k); ok {
		s.metrics.ObserveCache(true)
		return cloneAll(subs), nil
	}
	s.metrics.ObserveCache(false)

	subs, err := s.Store.ListSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	s.byEvent.Add(k, cloneAll(subs))
	return subs, nil
}

// CreateSubscription writes through and drops the tenant's fan-out entries
func (s *Store) CreateSubscription(ctx context.Context, sub *webhooks.Subscription) error {
	if err := s.Store.CreateSubscription(ctx, sub); err != nil {
		return err
	}
	s.invalidateTenant(sub.TenantID)
	return nil
}

// UpdateSubscription writes through and invalidates the subscription
func (s *Store) UpdateSubscription(ctx context.Context, sub *webhooks.Subscription) error {
	err := s.Store.UpdateSubscription(ctx, sub)
	s.invalidate(sub.TenantID, sub.ID)
	return err
}

// DeleteSubscription writes through and invalidates the subscription
func (s *Store) DeleteSubscription(ctx context.Context, tenantID, id string, at time.Time) error {
	err := s.Store.DeleteSubscription(ctx, tenantID, id, at)
	s.invalidate(tenantID, id)
	return err
}

// RecordOutcome writes through and drops the cached counters
func (s *Store) RecordOutcome(ctx context.Context, tenantID, id string, success bool, at time.Time, healthThreshold int) (*webhooks.Subscription, bool, error) {
	sub, wasHealthy, err := s.Store.RecordOutcome(ctx, tenantID, id, success, at, healthThreshold)
	s.subscriptions.Remove(key(tenantID, id))
	return sub, wasHealthy, err
}

// Purge empties the cache
func (s *Store) Purge() {
	s.subscriptions.Purge()
	s.byEvent.Purge()
}

// Len returns the number of cached entries
func (s *Store) Len() int {
	return s.subscriptions.Len() + s.byEvent.Len()
}

func (s *Store) invalidate(tenantID, id string) {
	s.subscriptions.Remove(key(tenantID, id))
	s.invalidateTenant(tenantID)
}

// invalidateTenant drops every fan-out entry of the tenant
func (s *Store) invalidateTenant(tenantID string) {
	prefix := key(tenantID, "")
	for _, k := range s.byEvent.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.byEvent.Remove(k)
		}
	}
}

func clone(sub *webhooks.Subscription) *webhooks.Subscription {
	if sub == nil {
		return nil
	}
	out := *sub
	if sub.Events != nil {
		out.Events = append([]string(nil), sub.Events...)
	}
	if sub.CustomHeaders != nil {
		out.CustomHeaders = make(map[string]string, len(sub.CustomHeaders))
		for k, v := range sub.CustomHeaders {
			out.CustomHeaders[k] = v
		}
	}
	if sub.Metadata != nil {
		out.Metadata = make(map[string]any, len(sub.Metadata))
		for k, v := range sub.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneAll(subs []*webhooks.Subscription) []*webhooks.Subscription {
	out := make([]*webhooks.Subscription, len(subs))
	for i, sub := range subs {
		out[i] = clone(sub)
	}
	return out
}
