package webhooks

import (
	"context"
	"time"
)

// SubscriptionStore persists subscriptions. Reads never return soft-deleted rows.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string, filter SubscriptionFilter) ([]*Subscription, error)
	// ListSubscriptionsForEvent returns active subscriptions whose filter contains eventType
	ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error)
	// UpdateSubscription writes configuration fields only; runtime counters are untouched
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, tenantID, id string, at time.Time) error
	// RecordOutcome applies one delivery outcome to the runtime counters atomically
	// and returns the updated subscription plus its health before the update.
	RecordOutcome(ctx context.Context, tenantID, id string, success bool, at time.Time, healthThreshold int) (*Subscription, bool, error)
}

// EventStore persists events
type EventStore interface {
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, tenantID, id string) (*Event, error)
	ListEvents(ctx context.Context, tenantID string, filter EventFilter) ([]*Event, error)
	// TransitionEvent moves an event from one of the given states to another.
	// It reports false when the event was not in any of the from states.
	TransitionEvent(ctx context.Context, tenantID, id string, from []EventStatus, to EventStatus, at time.Time) (bool, error)
	// CompleteFanOut inserts deliveries and marks the event PROCESSED as one atomic step
	CompleteFanOut(ctx context.Context, event *Event, deliveries []*Delivery, at time.Time) error
	FailEvent(ctx context.Context, tenantID, id, message string, at time.Time) error
	// FailStaleEvents marks events left PROCESSING since before cutoff FAILED
	// so they can be processed again. An empty tenantID spans all tenants.
	FailStaleEvents(ctx context.Context, tenantID string, cutoff, now time.Time) (int, error)
}

// DeliveryStore persists deliveries and owns the per-delivery claim
type DeliveryStore interface {
	GetDelivery(ctx context.Context, tenantID, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, tenantID string, filter DeliveryFilter) ([]*Delivery, error)
	// ListDeliveriesByEvent returns every delivery created for an event, oldest first
	ListDeliveriesByEvent(ctx context.Context, tenantID, eventID string) ([]*Delivery, error)
	// ClaimDelivery moves a PENDING or RETRYING delivery with attempts left to
	// SENDING, increments attemptCount and clears nextRetryAt. A lost claim
	// returns ErrConflict.
	ClaimDelivery(ctx context.Context, tenantID, id string, at time.Time) (*Delivery, error)
	// FinishAttempt writes the attempt result only if the delivery is still
	// SENDING. It reports false when the result was discarded.
	FinishAttempt(ctx context.Context, d *Delivery) (bool, error)
	// CancelDelivery moves any non-terminal delivery to CANCELLED. It reports
	// false when the delivery was already terminal.
	CancelDelivery(ctx context.Context, tenantID, id string, at time.Time) (bool, error)
	// DueDeliveries returns PENDING and RETRYING deliveries due at now, oldest
	// first. An empty tenantID spans all tenants.
	DueDeliveries(ctx context.Context, tenantID string, now time.Time, limit int) ([]*Delivery, error)
	// ExpireStale moves PENDING and RETRYING deliveries whose due time is
	// before cutoff to EXPIRED and returns how many were expired.
	ExpireStale(ctx context.Context, tenantID string, cutoff, now time.Time) (int, error)
	// ReleaseStaleClaims recovers deliveries left SENDING since before cutoff.
	// A delivery with attempts left returns to RETRYING due at now; one that
	// used its last attempt is FAILED with ErrorCodeAttemptAbandoned.
	ReleaseStaleClaims(ctx context.Context, tenantID string, cutoff, now time.Time) (int, error)
}

// StatsStore provides the aggregates behind GetStats
type StatsStore interface {
	SubscriptionSummary(ctx context.Context, tenantID string) (*SubscriptionSummary, error)
	DeliveryStatusCounts(ctx context.Context, tenantID string) (map[DeliveryStatus]int64, error)
	EventTypeCounts(ctx context.Context, tenantID string) (map[string]int64, error)
	// AverageDeliveryDuration is the mean durationMs over deliveries that completed an attempt
	AverageDeliveryDuration(ctx context.Context, tenantID string) (float64, error)
}

// Store is the full repository used by the service
type Store interface {
	SubscriptionStore
	EventStore
	DeliveryStore
	StatsStore
}

// Dispatcher hands a freshly created delivery to a worker for an immediate attempt
type Dispatcher interface {
	Dispatch(tenantID, deliveryID string) error
}
