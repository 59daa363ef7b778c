package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/sirupsen/logrus"
)

// DefaultHealthThreshold is the consecutive-failure count that marks a subscription unhealthy
const DefaultHealthThreshold = 5

// HealthAggregator applies delivery outcomes to subscription counters and
// builds tenant statistics
type HealthAggregator struct {
	subscriptions SubscriptionStore
	stats         StatsStore
	threshold     int
	logger        logrus.FieldLogger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewHealthAggregator creates a health and stats aggregator
func NewHealthAggregator(subscriptions SubscriptionStore, stats StatsStore, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) *HealthAggregator {
	cfg = cfg.withDefaults()
	return &HealthAggregator{
		subscriptions: subscriptions,
		stats:         stats,
		threshold:     cfg.HealthThreshold,
		logger:        componentLogger(logger, "health_aggregator"),
		metrics:       metrics,
		now:           cfg.Clock,
	}
}

// Threshold returns the consecutive-failure count that demotes a subscription
func (h *HealthAggregator) Threshold() int {
	return h.threshold
}

// Record applies one outcome to the delivery's subscription
func (h *HealthAggregator) Record(ctx context.Context, d *Delivery, success bool) error {
	sub, wasHealthy, err := h.subscriptions.RecordOutcome(ctx, d.TenantID, d.SubscriptionID, success, h.now().UTC(), h.threshold)
	if err != nil {
		return fmt.Errorf("failed to record outcome for subscription %s: %w", d.SubscriptionID, err)
	}
	if wasHealthy == sub.IsHealthy {
		return nil
	}

	h.metrics.ObserveHealthTransition(sub.IsHealthy)
	log := h.logger.WithFields(logrus.Fields{
		"tenant_id":            d.TenantID,
		"subscription_id":      d.SubscriptionID,
		"consecutive_failures": sub.ConsecutiveFailures,
	})
	if sub.IsHealthy {
		log.Info("Subscription recovered")
	} else {
		log.Warn("Subscription marked unhealthy")
	}
	return nil
}

// GetStats aggregates the tenant's subscriptions, deliveries and events
func (h *HealthAggregator) GetStats(ctx context.Context, tenantID string) (*Stats, error) {
	summary, err := h.stats.SubscriptionSummary(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize subscriptions: %w", err)
	}
	byStatus, err := h.stats.DeliveryStatusCounts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	byType, err := h.stats.EventTypeCounts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	avg, err := h.stats.AverageDeliveryDuration(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to average delivery duration: %w", err)
	}

	stats := &Stats{
		TotalSubscriptions:     summary.Total,
		ActiveSubscriptions:    summary.Active,
		HealthySubscriptions:   summary.Healthy,
		UnhealthySubscriptions: summary.Total - summary.Healthy,
		DeliveriesByStatus:     byStatus,
		EventsByType:           byType,
		TotalDeliveries:        summary.TotalDeliveries,
		SuccessfulDeliveries:   summary.SuccessfulDeliveries,
		FailedDeliveries:       summary.FailedDeliveries,
		AverageDurationMs:      avg,
	}
	if summary.TotalDeliveries > 0 {
		stats.SuccessRate = float64(summary.SuccessfulDeliveries) / float64(summary.TotalDeliveries)
	}
	return stats, nil
}
