package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/sirupsen/logrus"
)

// DefaultEventVersion is stored when an event is created without a version
const DefaultEventVersion = "1.0"

// EventService ingests events and fans them out into deliveries
type EventService struct {
	events        EventStore
	subscriptions SubscriptionStore
	deliveries    DeliveryStore
	dispatcher    Dispatcher
	logger        logrus.FieldLogger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewEventService creates the ingestion service. dispatcher may be nil, in
// which case new deliveries wait for the next sweep.
func NewEventService(events EventStore, subscriptions SubscriptionStore, deliveries DeliveryStore, dispatcher Dispatcher, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) *EventService {
	cfg = cfg.withDefaults()
	return &EventService{
		events:        events,
		subscriptions: subscriptions,
		deliveries:    deliveries,
		dispatcher:    dispatcher,
		logger:        componentLogger(logger, "event_service"),
		metrics:       metrics,
		now:           cfg.Clock,
	}
}

// CreateEvent validates and persists a PENDING event
func (s *EventService) CreateEvent(ctx context.Context, tenantID string, in CreateEventInput) (*Event, error) {
	if err := validateEventInput(&in); err != nil {
		return nil, err
	}
	if in.EventVersion == "" {
		in.EventVersion = DefaultEventVersion
	}

	now := s.now().UTC()
	event := &Event{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		EventType:    in.EventType,
		EventVersion: in.EventVersion,
		Source:       in.Source,
		Data:         append([]byte(nil), in.Data...),
		Metadata:     in.Metadata,
		Status:       EventStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.events.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	s.metrics.ObserveEvent("create", string(event.Status))
	s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"event_id":   event.ID,
		"event_type": event.EventType,
	}).Debug("Event created")
	return event, nil
}

// GetEvent returns one event
func (s *EventService) GetEvent(ctx context.Context, tenantID, id string) (*Event, error) {
	return s.events.GetEvent(ctx, tenantID, id)
}

// ListEvents returns the tenant's events, newest first
func (s *EventService) ListEvents(ctx context.Context, tenantID string, filter EventFilter) ([]*Event, error) {
	filter.Limit, filter.Offset = normalizePage(filter.Limit, filter.Offset)
	return s.events.ListEvents(ctx, tenantID, filter)
}

// ProcessEvent fans an event out to every active subscription of its type.
// A PROCESSED event returns its existing deliveries with AlreadyProcessed set;
// a PROCESSING or CANCELLED event returns ErrConflict.
func (s *EventService) ProcessEvent(ctx context.Context, tenantID, id string) (*ProcessResult, error) {
	event, err := s.events.GetEvent(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if event.Status == EventStatusProcessed {
		return s.alreadyProcessed(ctx, event)
	}

	now := s.now().UTC()
	ok, err := s.events.TransitionEvent(ctx, tenantID, id,
		[]EventStatus{EventStatusPending, EventStatusFailed}, EventStatusProcessing, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim event: %w", err)
	}
	if !ok {
		// someone moved it between the read and the claim
		current, err := s.events.GetEvent(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if current.Status == EventStatusProcessed {
			return s.alreadyProcessed(ctx, current)
		}
		return nil, conflict("event %s is %s", id, current.Status)
	}

	log := s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"event_id":   id,
		"event_type": event.EventType,
	})

	deliveries, err := s.fanOut(ctx, event, now)
	if err != nil {
		log.WithError(err).Error("Event fan-out failed")
		failCtx, cancel := detached(ctx)
		if failErr := s.events.FailEvent(failCtx, tenantID, id, err.Error(), s.now().UTC()); failErr != nil {
			log.WithError(failErr).Error("Failed to mark event failed")
		}
		cancel()
		s.metrics.ObserveEvent("process", string(EventStatusFailed))
		return nil, fmt.Errorf("failed to process event %s: %w", id, err)
	}

	event.Status = EventStatusProcessed
	event.DeliveryCount = len(deliveries)
	event.ErrorMessage = ""
	event.ProcessedAt = &now
	event.UpdatedAt = now

	s.metrics.ObserveEvent("process", string(EventStatusProcessed))
	s.metrics.AddDeliveriesCreated(len(deliveries))
	log.WithField("deliveries", len(deliveries)).Info("Event processed")

	s.dispatch(deliveries, log)
	return &ProcessResult{Event: event, Deliveries: deliveries}, nil
}

func (s *EventService) fanOut(ctx context.Context, event *Event, now time.Time) ([]*Delivery, error) {
	subs, err := s.subscriptions.ListSubscriptionsForEvent(ctx, event.TenantID, event.EventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	deliveries := make([]*Delivery, 0, len(subs))
	for _, sub := range subs {
		if !sub.IsActive || sub.DeletedAt != nil || !sub.Subscribes(event.EventType) {
			continue
		}
		deliveries = append(deliveries, &Delivery{
			ID:             uuid.New().String(),
			TenantID:       event.TenantID,
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.EventType,
			Payload:        append([]byte(nil), event.Data...),
			Status:         DeliveryStatusPending,
			MaxRetries:     sub.MaxRetries,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := s.events.CompleteFanOut(ctx, event, deliveries, now); err != nil {
		return nil, fmt.Errorf("failed to store deliveries: %w", err)
	}
	return deliveries, nil
}

func (s *EventService) dispatch(deliveries []*Delivery, log logrus.FieldLogger) {
	if s.dispatcher == nil {
		return
	}
	for _, d := range deliveries {
		if err := s.dispatcher.Dispatch(d.TenantID, d.ID); err != nil {
			// the sweep picks it up later
			log.WithError(err).WithField("delivery_id", d.ID).Debug("Immediate dispatch skipped")
		}
	}
}

func (s *EventService) alreadyProcessed(ctx context.Context, event *Event) (*ProcessResult, error) {
	deliveries, err := s.deliveries.ListDeliveriesByEvent(ctx, event.TenantID, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliveries: %w", err)
	}
	return &ProcessResult{Event: event, Deliveries: deliveries, AlreadyProcessed: true}, nil
}

// CancelEvent cancels a PENDING event so it is never fanned out
func (s *EventService) CancelEvent(ctx context.Context, tenantID, id string) (*Event, error) {
	ok, err := s.events.TransitionEvent(ctx, tenantID, id,
		[]EventStatus{EventStatusPending}, EventStatusCancelled, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel event: %w", err)
	}

	event, err := s.events.GetEvent(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict("event %s is %s", id, event.Status)
	}
	s.metrics.ObserveEvent("cancel", string(event.Status))
	return event, nil
}

// isConflict reports whether err is a state conflict
func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
