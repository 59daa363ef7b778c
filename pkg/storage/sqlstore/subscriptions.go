package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

func subscriptionArgs(sub *webhooks.Subscription) ([]any, error) {
	headers, err := encodeJSON(sub.CustomHeaders)
	if err != nil {
		return nil, fmt.Errorf("failed to encode custom headers: %w", err)
	}
	events, err := encodeEvents(sub.Events)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeJSON(sub.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return []any{
		sub.ID, sub.TenantID, sub.Name, sub.URL, sub.Secret, sub.VerifySSL, sub.IncludeHeaders, headers,
		events, sub.MaxRetries, sub.RetryDelay, sub.RetryBackoff, sub.Timeout, metadata,
		sub.IsActive, sub.IsHealthy, sub.ConsecutiveFailures, utc(sub.LastDeliveryAt), utc(sub.LastSuccessAt),
		utc(sub.LastFailureAt), sub.TotalDeliveries, sub.SuccessfulDeliveries, sub.FailedDeliveries,
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(), utc(sub.DeletedAt),
	}, nil
}

// CreateSubscription inserts a new subscription
func (s *Store) CreateSubscription(ctx context.Context, sub *webhooks.Subscription) error {
	args, err := subscriptionArgs(sub)
	if err != nil {
		return err
	}
	query := `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26)`
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription returns a live subscription
func (s *Store) GetSubscription(ctx context.Context, tenantID, id string) (*webhooks.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, s.dialect.rebind(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("subscription", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns live subscriptions matching filter, newest first
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string, filter webhooks.SubscriptionFilter) ([]*webhooks.Subscription, error) {
	q := &query{}
	q.where("tenant_id = " + q.arg(tenantID))
	q.where("deleted_at IS NULL")
	if filter.IsActive != nil {
		q.where("is_active = " + q.arg(*filter.IsActive))
	}
	if filter.IsHealthy != nil {
		q.where("is_healthy = " + q.arg(*filter.IsHealthy))
	}
	if len(filter.Events) > 0 {
		events := make([]any, len(filter.Events))
		for i, e := range filter.Events {
			events[i] = e
		}
		q.where("EXISTS (SELECT 1 FROM " + s.dialect.jsonElements("events") + " WHERE e.value IN " + q.in(events...) + ")")
	}
	stmt := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions` + q.whereClause() +
		` ORDER BY created_at DESC, id DESC` + q.page(s.dialect, filter.Limit, filter.Offset)
	return s.querySubscriptions(ctx, stmt, q.args)
}

// ListSubscriptionsForEvent returns active subscriptions for eventType, oldest first
func (s *Store) ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]*webhooks.Subscription, error) {
	stmt := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE tenant_id = $1 AND deleted_at IS NULL AND is_active = $2
		AND EXISTS (SELECT 1 FROM ` + s.dialect.jsonElements("events") + ` WHERE e.value = $3)
		ORDER BY created_at ASC, id ASC`
	return s.querySubscriptions(ctx, stmt, []any{tenantID, true, eventType})
}

func (s *Store) querySubscriptions(ctx context.Context, stmt string, args []any) ([]*webhooks.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*webhooks.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateSubscription writes the configuration columns of a live subscription
func (s *Store) UpdateSubscription(ctx context.Context, sub *webhooks.Subscription) error {
	headers, err := encodeJSON(sub.CustomHeaders)
	if err != nil {
		return fmt.Errorf("failed to encode custom headers: %w", err)
	}
	events, err := encodeEvents(sub.Events)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `UPDATE webhook_subscriptions SET
			name = $3, url = $4, secret = $5, verify_ssl = $6, include_headers = $7, custom_headers = $8,
			events = $9, max_retries = $10, retry_delay = $11, retry_backoff = $12, timeout = $13,
			metadata = $14, is_active = $15, updated_at = $16
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query),
		sub.TenantID, sub.ID, sub.Name, sub.URL, sub.Secret, sub.VerifySSL, sub.IncludeHeaders, headers,
		events, sub.MaxRetries, sub.RetryDelay, sub.RetryBackoff, sub.Timeout,
		metadata, sub.IsActive, sub.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return requireRow(res, "subscription", sub.ID)
}

// DeleteSubscription soft-deletes and deactivates a subscription
func (s *Store) DeleteSubscription(ctx context.Context, tenantID, id string, at time.Time) error {
	query := `UPDATE webhook_subscriptions SET deleted_at = $3, is_active = $4, updated_at = $3
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), tenantID, id, at.UTC(), false)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return requireRow(res, "subscription", id)
}

// RecordOutcome updates the runtime counters in one transaction. Soft-deleted
// subscriptions are still counted so in-flight deliveries settle.
func (s *Store) RecordOutcome(ctx context.Context, tenantID, id string, success bool, at time.Time, healthThreshold int) (*webhooks.Subscription, bool, error) {
	var (
		sub        *webhooks.Subscription
		wasHealthy bool
	)
	at = at.UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT is_healthy FROM webhook_subscriptions WHERE tenant_id = $1 AND id = $2`+s.dialect.forUpdate()),
			tenantID, id).Scan(&wasHealthy)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("subscription", id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}

		var update string
		var args []any
		if success {
			update = `UPDATE webhook_subscriptions SET
					total_deliveries = total_deliveries + 1,
					successful_deliveries = successful_deliveries + 1,
					consecutive_failures = 0,
					is_healthy = $3,
					last_delivery_at = $4, last_success_at = $4, updated_at = $4
				WHERE tenant_id = $1 AND id = $2`
			args = []any{tenantID, id, true, at}
		} else {
			update = `UPDATE webhook_subscriptions SET
					total_deliveries = total_deliveries + 1,
					failed_deliveries = failed_deliveries + 1,
					consecutive_failures = consecutive_failures + 1,
					is_healthy = (consecutive_failures + 1 < $3),
					last_delivery_at = $4, last_failure_at = $4, updated_at = $4
				WHERE tenant_id = $1 AND id = $2`
			args = []any{tenantID, id, healthThreshold, at}
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(update), args...); err != nil {
			return fmt.Errorf("failed to record outcome: %w", err)
		}

		sub, err = scanSubscription(tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE tenant_id = $1 AND id = $2`),
			tenantID, id))
		if err != nil {
			return fmt.Errorf("failed to reload subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sub, wasHealthy, nil
}

func encodeEvents(events []string) (string, error) {
	if events == nil {
		events = []string{}
	}
	b, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to encode events: %w", err)
	}
	return string(b), nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}
