package sqlstore

import (
	"context"
	"fmt"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// SubscriptionSummary aggregates the tenant's live subscriptions
func (s *Store) SubscriptionSummary(ctx context.Context, tenantID string) (*webhooks.SubscriptionSummary, error) {
	query := `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_healthy THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_deliveries), 0),
			COALESCE(SUM(successful_deliveries), 0),
			COALESCE(SUM(failed_deliveries), 0)
		FROM webhook_subscriptions WHERE tenant_id = $1 AND deleted_at IS NULL`
	summary := &webhooks.SubscriptionSummary{}
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), tenantID).Scan(
		&summary.Total, &summary.Active, &summary.Healthy,
		&summary.TotalDeliveries, &summary.SuccessfulDeliveries, &summary.FailedDeliveries)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize subscriptions: %w", err)
	}
	return summary, nil
}

// DeliveryStatusCounts counts the tenant's deliveries per status
func (s *Store) DeliveryStatusCounts(ctx context.Context, tenantID string) (map[webhooks.DeliveryStatus]int64, error) {
	counts := make(map[webhooks.DeliveryStatus]int64)
	err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM webhook_deliveries WHERE tenant_id = $1 GROUP BY status`,
		tenantID, func(key string, n int64) {
			counts[webhooks.DeliveryStatus(key)] = n
		})
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return counts, nil
}

// EventTypeCounts counts the tenant's events per type
func (s *Store) EventTypeCounts(ctx context.Context, tenantID string) (map[string]int64, error) {
	counts := make(map[string]int64)
	err := s.groupCount(ctx, `SELECT event_type, COUNT(*) FROM webhook_events WHERE tenant_id = $1 GROUP BY event_type`,
		tenantID, func(key string, n int64) {
			counts[key] = n
		})
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	return counts, nil
}

func (s *Store) groupCount(ctx context.Context, query, tenantID string, add func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}

// AverageDeliveryDuration is the mean duration of deliveries with a recorded attempt
func (s *Store) AverageDeliveryDuration(ctx context.Context, tenantID string) (float64, error) {
	query := `SELECT COALESCE(AVG(duration_ms), 0) FROM webhook_deliveries
		WHERE tenant_id = $1 AND attempt_count > 0 AND status IN ($2, $3, $4)`
	var avg float64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), tenantID,
		string(webhooks.DeliveryStatusDelivered), string(webhooks.DeliveryStatusFailed),
		string(webhooks.DeliveryStatusRetrying)).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to average delivery duration: %w", err)
	}
	return avg, nil
}
