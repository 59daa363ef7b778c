package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TestEventType is the event type used by Registry.Test
const TestEventType = "webhook.test"

// Registry manages tenant webhook subscriptions
type Registry struct {
	store  SubscriptionStore
	engine *Engine
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewRegistry creates a subscription registry
func NewRegistry(store SubscriptionStore, engine *Engine, cfg Config, logger logrus.FieldLogger) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		store:  store,
		engine: engine,
		logger: componentLogger(logger, "subscription_registry"),
		now:    cfg.Clock,
	}
}

// Create validates and registers a new subscription
func (r *Registry) Create(ctx context.Context, tenantID string, in CreateSubscriptionInput) (*Subscription, error) {
	now := r.now().UTC()
	sub := &Subscription{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Name:           in.Name,
		URL:            in.URL,
		Secret:         in.Secret,
		VerifySSL:      boolOr(in.VerifySSL, true),
		IncludeHeaders: boolOr(in.IncludeHeaders, false),
		CustomHeaders:  in.CustomHeaders,
		Events:         in.Events,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelayMs,
		RetryBackoff:   DefaultRetryBackoff,
		Timeout:        DefaultTimeoutMs,
		Metadata:       in.Metadata,
		IsActive:       boolOr(in.IsActive, true),
		IsHealthy:      true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.MaxRetries != nil {
		sub.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelay != nil {
		sub.RetryDelay = *in.RetryDelay
	}
	if in.RetryBackoff != nil {
		sub.RetryBackoff = *in.RetryBackoff
	}
	if in.Timeout != nil {
		sub.Timeout = *in.Timeout
	}

	if err := validateSubscription(sub); err != nil {
		return nil, err
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"tenant_id":       tenantID,
		"subscription_id": sub.ID,
		"events":          sub.Events,
	}).Info("Subscription created")
	return sub, nil
}

// Get returns a live subscription
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*Subscription, error) {
	return r.store.GetSubscription(ctx, tenantID, id)
}

// List returns the tenant's subscriptions matching filter
func (r *Registry) List(ctx context.Context, tenantID string, filter SubscriptionFilter) ([]*Subscription, error) {
	filter.Limit, filter.Offset = normalizePage(filter.Limit, filter.Offset)
	return r.store.ListSubscriptions(ctx, tenantID, filter)
}

// Update applies a partial configuration change. Runtime counters are never touched.
func (r *Registry) Update(ctx context.Context, tenantID, id string, in UpdateSubscriptionInput) (*Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		sub.Name = *in.Name
	}
	if in.URL != nil {
		sub.URL = *in.URL
	}
	if in.Secret != nil {
		sub.Secret = *in.Secret
	}
	if in.Events != nil {
		sub.Events = in.Events
	}
	if in.VerifySSL != nil {
		sub.VerifySSL = *in.VerifySSL
	}
	if in.IncludeHeaders != nil {
		sub.IncludeHeaders = *in.IncludeHeaders
	}
	if in.CustomHeaders != nil {
		sub.CustomHeaders = *in.CustomHeaders
	}
	if in.MaxRetries != nil {
		sub.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelay != nil {
		sub.RetryDelay = *in.RetryDelay
	}
	if in.RetryBackoff != nil {
		sub.RetryBackoff = *in.RetryBackoff
	}
	if in.Timeout != nil {
		sub.Timeout = *in.Timeout
	}
	if in.Metadata != nil {
		sub.Metadata = *in.Metadata
	}
	if in.IsActive != nil {
		sub.IsActive = *in.IsActive
	}

	if err := validateSubscription(sub); err != nil {
		return nil, err
	}
	sub.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"tenant_id":       tenantID,
		"subscription_id": id,
	}).Info("Subscription updated")
	// re-read so the caller sees counters as stored
	return r.store.GetSubscription(ctx, tenantID, id)
}

// Delete soft-deletes a subscription. Its deliveries stay readable.
func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	if err := r.store.DeleteSubscription(ctx, tenantID, id, r.now().UTC()); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"tenant_id":       tenantID,
		"subscription_id": id,
	}).Info("Subscription deleted")
	return nil
}

// Test sends one signed webhook.test request to the subscription's endpoint.
// Nothing is persisted and no counters change.
func (r *Registry) Test(ctx context.Context, tenantID, id string) (*DeliveryResult, error) {
	sub, err := r.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"eventType":      TestEventType,
		"subscriptionId": sub.ID,
		"tenantId":       tenantID,
		"timestamp":      r.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"message": "This is a test webhook delivery",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build test payload: %w", err)
	}

	result := r.engine.Probe(ctx, sub, TestEventType, payload)
	r.logger.WithFields(logrus.Fields{
		"tenant_id":       tenantID,
		"subscription_id": id,
		"success":         result.Success,
	}).Info("Subscription test sent")
	return result, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
