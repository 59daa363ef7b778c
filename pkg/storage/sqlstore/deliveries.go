package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

var terminalStatuses = statusArgs(
	webhooks.DeliveryStatusDelivered,
	webhooks.DeliveryStatusFailed,
	webhooks.DeliveryStatusCancelled,
	webhooks.DeliveryStatusExpired,
)

func (s *Store) insertDelivery(ctx context.Context, ex execer, d *webhooks.Delivery) error {
	headers, err := encodeJSON(d.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	respHeaders, err := encodeJSON(d.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("failed to encode response headers: %w", err)
	}
	details, err := encodeJSON(d.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to encode error details: %w", err)
	}
	query := `INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24)`
	_, err = ex.ExecContext(ctx, s.dialect.rebind(query),
		d.ID, d.TenantID, d.SubscriptionID, d.EventID, d.EventType, string(d.Payload), headers,
		d.Signature, d.SignatureMethod, string(d.Status), httpStatusValue(d.HTTPStatus), stringValue(d.ResponseBody),
		respHeaders, d.AttemptCount, d.MaxRetries, utc(d.NextRetryAt), utc(d.StartedAt), utc(d.CompletedAt),
		d.DurationMs, d.ErrorMessage, d.ErrorCode, details, d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create delivery %s: %w", d.ID, err)
	}
	return nil
}

// GetDelivery returns one delivery
func (s *Store) GetDelivery(ctx context.Context, tenantID, id string) (*webhooks.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE tenant_id = $1 AND id = $2`
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.dialect.rebind(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("delivery", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries returns deliveries matching filter, newest first
func (s *Store) ListDeliveries(ctx context.Context, tenantID string, filter webhooks.DeliveryFilter) ([]*webhooks.Delivery, error) {
	q := &query{}
	q.where("tenant_id = " + q.arg(tenantID))
	if filter.SubscriptionID != "" {
		q.where("subscription_id = " + q.arg(filter.SubscriptionID))
	}
	if filter.EventID != "" {
		q.where("event_id = " + q.arg(filter.EventID))
	}
	if filter.EventType != "" {
		q.where("event_type = " + q.arg(filter.EventType))
	}
	if filter.Status != "" {
		q.where("status = " + q.arg(string(filter.Status)))
	}
	stmt := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries` + q.whereClause() +
		` ORDER BY created_at DESC, id DESC` + q.page(s.dialect, filter.Limit, filter.Offset)
	return s.queryDeliveries(ctx, stmt, q.args)
}

// ListDeliveriesByEvent returns every delivery of an event, oldest first
func (s *Store) ListDeliveriesByEvent(ctx context.Context, tenantID, eventID string) ([]*webhooks.Delivery, error) {
	stmt := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE tenant_id = $1 AND event_id = $2 ORDER BY created_at ASC, id ASC`
	return s.queryDeliveries(ctx, stmt, []any{tenantID, eventID})
}

func (s *Store) queryDeliveries(ctx context.Context, stmt string, args []any) ([]*webhooks.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]*webhooks.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimDelivery moves a claimable delivery to SENDING. The conditional
// update is the claim; the losing replica sees no row.
func (s *Store) ClaimDelivery(ctx context.Context, tenantID, id string, at time.Time) (*webhooks.Delivery, error) {
	var d *webhooks.Delivery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE webhook_deliveries SET status = $3, attempt_count = attempt_count + 1,
				next_retry_at = NULL, started_at = $4, updated_at = $4
			WHERE tenant_id = $1 AND id = $2 AND status IN ($5, $6) AND attempt_count < max_retries + 1`
		res, err := tx.ExecContext(ctx, s.dialect.rebind(query),
			tenantID, id, string(webhooks.DeliveryStatusSending), at.UTC(),
			string(webhooks.DeliveryStatusPending), string(webhooks.DeliveryStatusRetrying))
		if err != nil {
			return fmt.Errorf("failed to claim delivery: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			found, err := s.exists(ctx, tx, "webhook_deliveries", tenantID, id)
			if err != nil {
				return err
			}
			if !found {
				return notFound("delivery", id)
			}
			return conflict("delivery", id)
		}

		d, err = scanDelivery(tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE tenant_id = $1 AND id = $2`), tenantID, id))
		if err != nil {
			return fmt.Errorf("failed to reload delivery: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// FinishAttempt writes an attempt result while the delivery is still SENDING
func (s *Store) FinishAttempt(ctx context.Context, d *webhooks.Delivery) (bool, error) {
	headers, err := encodeJSON(d.Headers)
	if err != nil {
		return false, fmt.Errorf("failed to encode headers: %w", err)
	}
	respHeaders, err := encodeJSON(d.ResponseHeaders)
	if err != nil {
		return false, fmt.Errorf("failed to encode response headers: %w", err)
	}
	details, err := encodeJSON(d.ErrorDetails)
	if err != nil {
		return false, fmt.Errorf("failed to encode error details: %w", err)
	}

	query := `UPDATE webhook_deliveries SET
			headers = $3, signature = $4, signature_method = $5, status = $6, http_status = $7,
			response_body = $8, response_headers = $9, attempt_count = $10, next_retry_at = $11,
			started_at = $12, completed_at = $13, duration_ms = $14, error_message = $15,
			error_code = $16, error_details = $17, updated_at = $18
		WHERE tenant_id = $1 AND id = $2 AND status = $19`
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query),
		d.TenantID, d.ID, headers, d.Signature, d.SignatureMethod, string(d.Status), httpStatusValue(d.HTTPStatus),
		stringValue(d.ResponseBody), respHeaders, d.AttemptCount, utc(d.NextRetryAt),
		utc(d.StartedAt), utc(d.CompletedAt), d.DurationMs, d.ErrorMessage,
		d.ErrorCode, details, d.UpdatedAt.UTC(), string(webhooks.DeliveryStatusSending))
	if err != nil {
		return false, fmt.Errorf("failed to finish attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	found, err := s.exists(ctx, s.db, "webhook_deliveries", d.TenantID, d.ID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, notFound("delivery", d.ID)
	}
	return false, nil
}

// CancelDelivery moves a non-terminal delivery to CANCELLED
func (s *Store) CancelDelivery(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	q := &query{}
	q.where("tenant_id = " + q.arg(tenantID))
	q.where("id = " + q.arg(id))
	status := q.arg(string(webhooks.DeliveryStatusCancelled))
	ts := q.arg(at.UTC())
	q.where("status NOT IN " + q.in(terminalStatuses...))
	stmt := `UPDATE webhook_deliveries SET status = ` + status + `, next_retry_at = NULL,
		completed_at = ` + ts + `, updated_at = ` + ts + q.whereClause()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(stmt), q.args...)
	if err != nil {
		return false, fmt.Errorf("failed to cancel delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	found, err := s.exists(ctx, s.db, "webhook_deliveries", tenantID, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, notFound("delivery", id)
	}
	return false, nil
}

// DueDeliveries returns claimable deliveries whose retry time has passed
func (s *Store) DueDeliveries(ctx context.Context, tenantID string, now time.Time, limit int) ([]*webhooks.Delivery, error) {
	q := &query{}
	q.where("status IN " + q.in(string(webhooks.DeliveryStatusPending), string(webhooks.DeliveryStatusRetrying)))
	q.where("attempt_count < max_retries + 1")
	q.where("(next_retry_at IS NULL OR next_retry_at <= " + q.arg(now.UTC()) + ")")
	if tenantID != "" {
		q.where("tenant_id = " + q.arg(tenantID))
	}
	stmt := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries` + q.whereClause() +
		` ORDER BY created_at ASC, id ASC` + q.page(s.dialect, limit, 0)
	return s.queryDeliveries(ctx, stmt, q.args)
}

// ExpireStale expires pending and retrying deliveries due before cutoff
func (s *Store) ExpireStale(ctx context.Context, tenantID string, cutoff, now time.Time) (int, error) {
	q := &query{}
	status := q.arg(string(webhooks.DeliveryStatusExpired))
	code := q.arg(webhooks.ErrorCodeExpired)
	msg := q.arg("delivery expired before it could be attempted")
	ts := q.arg(now.UTC())
	q.where("status IN " + q.in(string(webhooks.DeliveryStatusPending), string(webhooks.DeliveryStatusRetrying)))
	q.where("COALESCE(next_retry_at, created_at) < " + q.arg(cutoff.UTC()))
	if tenantID != "" {
		q.where("tenant_id = " + q.arg(tenantID))
	}
	stmt := `UPDATE webhook_deliveries SET status = ` + status + `, error_code = ` + code +
		`, error_message = ` + msg + `, next_retry_at = NULL, completed_at = ` + ts + `, updated_at = ` + ts +
		q.whereClause()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(stmt), q.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to expire deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// ReleaseStaleClaims recovers deliveries left SENDING since before cutoff.
// Exhausted rows fail first so the second update only sees rows with
// attempts left.
func (s *Store) ReleaseStaleClaims(ctx context.Context, tenantID string, cutoff, now time.Time) (int, error) {
	stale := func(q *query) {
		q.where("status = " + q.arg(string(webhooks.DeliveryStatusSending)))
		q.where("started_at < " + q.arg(cutoff.UTC()))
		if tenantID != "" {
			q.where("tenant_id = " + q.arg(tenantID))
		}
	}

	released := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := &query{}
		status := q.arg(string(webhooks.DeliveryStatusFailed))
		code := q.arg(webhooks.ErrorCodeAttemptAbandoned)
		msg := q.arg(webhooks.StaleClaimMessage)
		ts := q.arg(now.UTC())
		stale(q)
		q.where("attempt_count >= max_retries + 1")
		failed, err := execCount(ctx, tx, s.dialect.rebind(`UPDATE webhook_deliveries SET status = `+status+
			`, error_code = `+code+`, error_message = `+msg+`, next_retry_at = NULL, completed_at = `+ts+
			`, updated_at = `+ts+q.whereClause()), q.args...)
		if err != nil {
			return fmt.Errorf("failed to fail stale claims: %w", err)
		}

		q = &query{}
		status = q.arg(string(webhooks.DeliveryStatusRetrying))
		code = q.arg(webhooks.ErrorCodeAttemptAbandoned)
		msg = q.arg(webhooks.StaleClaimMessage)
		ts = q.arg(now.UTC())
		stale(q)
		retrying, err := execCount(ctx, tx, s.dialect.rebind(`UPDATE webhook_deliveries SET status = `+status+
			`, error_code = `+code+`, error_message = `+msg+`, next_retry_at = `+ts+
			`, updated_at = `+ts+q.whereClause()), q.args...)
		if err != nil {
			return fmt.Errorf("failed to requeue stale claims: %w", err)
		}
		released = failed + retrying
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

func execCount(ctx context.Context, tx *sql.Tx, stmt string, args ...any) (int, error) {
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
