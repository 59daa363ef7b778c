package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// Store is an in-process webhooks.Store. A single lock guards every record,
// which makes claims, fan-out completion and counter updates atomic.
type Store struct {
	mu            sync.RWMutex
	subscriptions map[string]*webhooks.Subscription
	events        map[string]*webhooks.Event
	deliveries    map[string]*webhooks.Delivery
}

var _ webhooks.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*webhooks.Subscription),
		events:        make(map[string]*webhooks.Event),
		deliveries:    make(map[string]*webhooks.Delivery),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, webhooks.ErrNotFound)
}

// page applies offset and limit to n sorted items
func page(n, limit, offset int) (int, int) {
	if offset >= n {
		return n, n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

func newestFirst(a, b time.Time, idA, idB string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return idA > idB
}

func oldestFirst(a, b time.Time, idA, idB string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return idA < idB
}

// subscription returns a live subscription or nil; callers hold the lock
func (s *Store) subscription(tenantID, id string) *webhooks.Subscription {
	sub, ok := s.subscriptions[id]
	if !ok || sub.TenantID != tenantID || sub.DeletedAt != nil {
		return nil
	}
	return sub
}

// CreateSubscription stores a new subscription
func (s *Store) CreateSubscription(_ context.Context, sub *webhooks.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

// GetSubscription returns a live subscription
func (s *Store) GetSubscription(_ context.Context, tenantID, id string) (*webhooks.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub := s.subscription(tenantID, id)
	if sub == nil {
		return nil, notFound("subscription", id)
	}
	return cloneSubscription(sub), nil
}

// ListSubscriptions returns the tenant's live subscriptions, newest first
func (s *Store) ListSubscriptions(_ context.Context, tenantID string, filter webhooks.SubscriptionFilter) ([]*webhooks.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*webhooks.Subscription
	for _, sub := range s.subscriptions {
		if sub.TenantID != tenantID || sub.DeletedAt != nil {
			continue
		}
		if filter.IsActive != nil && sub.IsActive != *filter.IsActive {
			continue
		}
		if filter.IsHealthy != nil && sub.IsHealthy != *filter.IsHealthy {
			continue
		}
		if len(filter.Events) > 0 && !subscribesAny(sub, filter.Events) {
			continue
		}
		matched = append(matched, sub)
	}
	sort.Slice(matched, func(i, j int) bool {
		return newestFirst(matched[i].CreatedAt, matched[j].CreatedAt, matched[i].ID, matched[j].ID)
	})

	start, end := page(len(matched), filter.Limit, filter.Offset)
	out := make([]*webhooks.Subscription, 0, end-start)
	for _, sub := range matched[start:end] {
		out = append(out, cloneSubscription(sub))
	}
	return out, nil
}

func subscribesAny(sub *webhooks.Subscription, events []string) bool {
	for _, e := range events {
		if sub.Subscribes(e) {
			return true
		}
	}
	return false
}

// ListSubscriptionsForEvent returns live active subscriptions for eventType, oldest first
func (s *Store) ListSubscriptionsForEvent(_ context.Context, tenantID, eventType string) ([]*webhooks.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*webhooks.Subscription
	for _, sub := range s.subscriptions {
		if sub.TenantID == tenantID && sub.DeletedAt == nil && sub.IsActive && sub.Subscribes(eventType) {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return oldestFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return out, nil
}

// UpdateSubscription writes configuration fields only
func (s *Store) UpdateSubscription(_ context.Context, sub *webhooks.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.subscription(sub.TenantID, sub.ID)
	if cur == nil {
		return notFound("subscription", sub.ID)
	}
	in := cloneSubscription(sub)
	cur.Name = in.Name
	cur.URL = in.URL
	cur.Secret = in.Secret
	cur.VerifySSL = in.VerifySSL
	cur.IncludeHeaders = in.IncludeHeaders
	cur.CustomHeaders = in.CustomHeaders
	cur.Events = in.Events
	cur.MaxRetries = in.MaxRetries
	cur.RetryDelay = in.RetryDelay
	cur.RetryBackoff = in.RetryBackoff
	cur.Timeout = in.Timeout
	cur.Metadata = in.Metadata
	cur.IsActive = in.IsActive
	cur.UpdatedAt = in.UpdatedAt
	return nil
}

// DeleteSubscription soft-deletes a subscription
func (s *Store) DeleteSubscription(_ context.Context, tenantID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.subscription(tenantID, id)
	if sub == nil {
		return notFound("subscription", id)
	}
	sub.DeletedAt = &at
	sub.IsActive = false
	sub.UpdatedAt = at
	return nil
}

// RecordOutcome applies one delivery outcome to the subscription counters
func (s *Store) RecordOutcome(_ context.Context, tenantID, id string, success bool, at time.Time, healthThreshold int) (*webhooks.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// counters keep moving for soft-deleted subscriptions with in-flight deliveries
	sub, ok := s.subscriptions[id]
	if !ok || sub.TenantID != tenantID {
		return nil, false, notFound("subscription", id)
	}
	wasHealthy := sub.IsHealthy

	sub.TotalDeliveries++
	sub.LastDeliveryAt = cloneTime(&at)
	if success {
		sub.SuccessfulDeliveries++
		sub.ConsecutiveFailures = 0
		sub.IsHealthy = true
		sub.LastSuccessAt = cloneTime(&at)
	} else {
		sub.FailedDeliveries++
		sub.ConsecutiveFailures++
		sub.IsHealthy = sub.ConsecutiveFailures < healthThreshold
		sub.LastFailureAt = cloneTime(&at)
	}
	sub.UpdatedAt = at
	return cloneSubscription(sub), wasHealthy, nil
}

// CreateEvent stores a new event
func (s *Store) CreateEvent(_ context.Context, event *webhooks.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ID]; exists {
		return fmt.Errorf("event %s already exists", event.ID)
	}
	s.events[event.ID] = cloneEvent(event)
	return nil
}

func (s *Store) event(tenantID, id string) *webhooks.Event {
	e, ok := s.events[id]
	if !ok || e.TenantID != tenantID {
		return nil
	}
	return e
}

// GetEvent returns one event
func (s *Store) GetEvent(_ context.Context, tenantID, id string) (*webhooks.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.event(tenantID, id)
	if e == nil {
		return nil, notFound("event", id)
	}
	return cloneEvent(e), nil
}

// ListEvents returns the tenant's events, newest first
func (s *Store) ListEvents(_ context.Context, tenantID string, filter webhooks.EventFilter) ([]*webhooks.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*webhooks.Event
	for _, e := range s.events {
		if e.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return newestFirst(matched[i].CreatedAt, matched[j].CreatedAt, matched[i].ID, matched[j].ID)
	})

	start, end := page(len(matched), filter.Limit, filter.Offset)
	out := make([]*webhooks.Event, 0, end-start)
	for _, e := range matched[start:end] {
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

// TransitionEvent moves an event between states; false when it was in none of from
func (s *Store) TransitionEvent(_ context.Context, tenantID, id string, from []webhooks.EventStatus, to webhooks.EventStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.event(tenantID, id)
	if e == nil {
		return false, nil
	}
	for _, st := range from {
		if e.Status == st {
			e.Status = to
			e.UpdatedAt = at
			return true, nil
		}
	}
	return false, nil
}

// CompleteFanOut inserts deliveries and marks the PROCESSING event PROCESSED
func (s *Store) CompleteFanOut(_ context.Context, event *webhooks.Event, deliveries []*webhooks.Delivery, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.event(event.TenantID, event.ID)
	if e == nil {
		return notFound("event", event.ID)
	}
	if e.Status != webhooks.EventStatusProcessing {
		return fmt.Errorf("event %s is %s: %w", event.ID, e.Status, webhooks.ErrConflict)
	}
	for _, d := range deliveries {
		if _, exists := s.deliveries[d.ID]; exists {
			return fmt.Errorf("delivery %s already exists", d.ID)
		}
	}

	for _, d := range deliveries {
		s.deliveries[d.ID] = cloneDelivery(d)
	}
	e.Status = webhooks.EventStatusProcessed
	e.DeliveryCount = len(deliveries)
	e.ErrorMessage = ""
	e.ProcessedAt = cloneTime(&at)
	e.UpdatedAt = at
	return nil
}

// FailEvent marks an event FAILED with message
func (s *Store) FailEvent(_ context.Context, tenantID, id, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.event(tenantID, id)
	if e == nil {
		return notFound("event", id)
	}
	e.Status = webhooks.EventStatusFailed
	e.ErrorMessage = message
	e.UpdatedAt = at
	return nil
}

// FailStaleEvents fails events left PROCESSING since before cutoff
func (s *Store) FailStaleEvents(_ context.Context, tenantID string, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	for _, e := range s.events {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if e.Status != webhooks.EventStatusProcessing || !e.UpdatedAt.Before(cutoff) {
			continue
		}
		e.Status = webhooks.EventStatusFailed
		e.ErrorMessage = webhooks.StaleEventMessage
		e.UpdatedAt = now
		failed++
	}
	return failed, nil
}

func (s *Store) delivery(tenantID, id string) *webhooks.Delivery {
	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil
	}
	return d
}

// GetDelivery returns one delivery
func (s *Store) GetDelivery(_ context.Context, tenantID, id string) (*webhooks.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.delivery(tenantID, id)
	if d == nil {
		return nil, notFound("delivery", id)
	}
	return cloneDelivery(d), nil
}

// ListDeliveries returns the tenant's deliveries, newest first
func (s *Store) ListDeliveries(_ context.Context, tenantID string, filter webhooks.DeliveryFilter) ([]*webhooks.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*webhooks.Delivery
	for _, d := range s.deliveries {
		if d.TenantID != tenantID {
			continue
		}
		if filter.SubscriptionID != "" && d.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if filter.EventID != "" && d.EventID != filter.EventID {
			continue
		}
		if filter.EventType != "" && d.EventType != filter.EventType {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool {
		return newestFirst(matched[i].CreatedAt, matched[j].CreatedAt, matched[i].ID, matched[j].ID)
	})

	start, end := page(len(matched), filter.Limit, filter.Offset)
	out := make([]*webhooks.Delivery, 0, end-start)
	for _, d := range matched[start:end] {
		out = append(out, cloneDelivery(d))
	}
	return out, nil
}

// ListDeliveriesByEvent returns every delivery of an event, oldest first
func (s *Store) ListDeliveriesByEvent(_ context.Context, tenantID, eventID string) ([]*webhooks.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*webhooks.Delivery
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && d.EventID == eventID {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return oldestFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return out, nil
}

func claimable(d *webhooks.Delivery) bool {
	return (d.Status == webhooks.DeliveryStatusPending || d.Status == webhooks.DeliveryStatusRetrying) && !d.Exhausted()
}

// ClaimDelivery moves a claimable delivery to SENDING
func (s *Store) ClaimDelivery(_ context.Context, tenantID, id string, at time.Time) (*webhooks.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.delivery(tenantID, id)
	if d == nil {
		return nil, notFound("delivery", id)
	}
	if !claimable(d) {
		return nil, fmt.Errorf("delivery %s is %s with %d attempts: %w", id, d.Status, d.AttemptCount, webhooks.ErrConflict)
	}

	d.Status = webhooks.DeliveryStatusSending
	d.AttemptCount++
	d.NextRetryAt = nil
	d.StartedAt = cloneTime(&at)
	d.UpdatedAt = at
	return cloneDelivery(d), nil
}

// FinishAttempt stores the attempt result if the delivery is still SENDING
func (s *Store) FinishAttempt(_ context.Context, in *webhooks.Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.delivery(in.TenantID, in.ID)
	if d == nil {
		return false, notFound("delivery", in.ID)
	}
	if d.Status != webhooks.DeliveryStatusSending {
		return false, nil
	}
	s.deliveries[in.ID] = cloneDelivery(in)
	return true, nil
}

// CancelDelivery cancels a non-terminal delivery
func (s *Store) CancelDelivery(_ context.Context, tenantID, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.delivery(tenantID, id)
	if d == nil {
		return false, notFound("delivery", id)
	}
	if d.Status.IsTerminal() {
		return false, nil
	}
	d.Status = webhooks.DeliveryStatusCancelled
	d.NextRetryAt = nil
	d.CompletedAt = cloneTime(&at)
	d.UpdatedAt = at
	return true, nil
}

// DueDeliveries returns claimable deliveries due at now, oldest first
func (s *Store) DueDeliveries(_ context.Context, tenantID string, now time.Time, limit int) ([]*webhooks.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*webhooks.Delivery
	for _, d := range s.deliveries {
		if tenantID != "" && d.TenantID != tenantID {
			continue
		}
		if !claimable(d) {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		return oldestFirst(due[i].CreatedAt, due[j].CreatedAt, due[i].ID, due[j].ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*webhooks.Delivery, 0, len(due))
	for _, d := range due {
		out = append(out, cloneDelivery(d))
	}
	return out, nil
}

// ExpireStale expires PENDING and RETRYING deliveries due before cutoff
func (s *Store) ExpireStale(_ context.Context, tenantID string, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, d := range s.deliveries {
		if tenantID != "" && d.TenantID != tenantID {
			continue
		}
		if d.Status != webhooks.DeliveryStatusPending && d.Status != webhooks.DeliveryStatusRetrying {
			continue
		}
		dueAt := d.CreatedAt
		if d.NextRetryAt != nil {
			dueAt = *d.NextRetryAt
		}
		if !dueAt.Before(cutoff) {
			continue
		}
		d.Status = webhooks.DeliveryStatusExpired
		d.ErrorCode = webhooks.ErrorCodeExpired
		d.ErrorMessage = "delivery expired before it could be attempted"
		d.NextRetryAt = nil
		d.CompletedAt = cloneTime(&now)
		d.UpdatedAt = now
		expired++
	}
	return expired, nil
}

// ReleaseStaleClaims recovers deliveries left SENDING since before cutoff
func (s *Store) ReleaseStaleClaims(_ context.Context, tenantID string, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, d := range s.deliveries {
		if tenantID != "" && d.TenantID != tenantID {
			continue
		}
		if d.Status != webhooks.DeliveryStatusSending || d.StartedAt == nil || !d.StartedAt.Before(cutoff) {
			continue
		}
		webhooks.ReleaseClaim(d, now)
		released++
	}
	return released, nil
}

// SubscriptionSummary aggregates the tenant's live subscriptions
func (s *Store) SubscriptionSummary(_ context.Context, tenantID string) (*webhooks.SubscriptionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &webhooks.SubscriptionSummary{}
	for _, sub := range s.subscriptions {
		if sub.TenantID != tenantID || sub.DeletedAt != nil {
			continue
		}
		summary.Total++
		if sub.IsActive {
			summary.Active++
		}
		if sub.IsHealthy {
			summary.Healthy++
		}
		summary.TotalDeliveries += sub.TotalDeliveries
		summary.SuccessfulDeliveries += sub.SuccessfulDeliveries
		summary.FailedDeliveries += sub.FailedDeliveries
	}
	return summary, nil
}

// DeliveryStatusCounts counts the tenant's deliveries per status
func (s *Store) DeliveryStatusCounts(_ context.Context, tenantID string) (map[webhooks.DeliveryStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[webhooks.DeliveryStatus]int64)
	for _, d := range s.deliveries {
		if d.TenantID == tenantID {
			counts[d.Status]++
		}
	}
	return counts, nil
}

// EventTypeCounts counts the tenant's events per type
func (s *Store) EventTypeCounts(_ context.Context, tenantID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, e := range s.events {
		if e.TenantID == tenantID {
			counts[e.EventType]++
		}
	}
	return counts, nil
}

// AverageDeliveryDuration is the mean duration of deliveries with a recorded attempt
func (s *Store) AverageDeliveryDuration(_ context.Context, tenantID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, n int64
	for _, d := range s.deliveries {
		if d.TenantID != tenantID || !attempted(d) {
			continue
		}
		total += d.DurationMs
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return float64(total) / float64(n), nil
}

func attempted(d *webhooks.Delivery) bool {
	if d.AttemptCount == 0 {
		return false
	}
	switch d.Status {
	case webhooks.DeliveryStatusDelivered, webhooks.DeliveryStatusFailed, webhooks.DeliveryStatusRetrying:
		return true
	}
	return false
}
