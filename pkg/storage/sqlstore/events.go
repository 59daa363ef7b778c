package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// CreateEvent inserts a new event
func (s *Store) CreateEvent(ctx context.Context, event *webhooks.Event) error {
	metadata, err := encodeJSON(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	query := `INSERT INTO webhook_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(query),
		event.ID, event.TenantID, event.EventType, event.EventVersion, event.Source, string(event.Data), metadata,
		string(event.Status), event.DeliveryCount, event.ErrorMessage, utc(event.ProcessedAt),
		event.CreatedAt.UTC(), event.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// GetEvent returns one event
func (s *Store) GetEvent(ctx context.Context, tenantID, id string) (*webhooks.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE tenant_id = $1 AND id = $2`
	event, err := scanEvent(s.db.QueryRowContext(ctx, s.dialect.rebind(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("event", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// ListEvents returns events matching filter, newest first
func (s *Store) ListEvents(ctx context.Context, tenantID string, filter webhooks.EventFilter) ([]*webhooks.Event, error) {
	q := &query{}
	q.where("tenant_id = " + q.arg(tenantID))
	if filter.Status != "" {
		q.where("status = " + q.arg(string(filter.Status)))
	}
	if filter.EventType != "" {
		q.where("event_type = " + q.arg(filter.EventType))
	}
	stmt := `SELECT ` + eventColumns + ` FROM webhook_events` + q.whereClause() +
		` ORDER BY created_at DESC, id DESC` + q.page(s.dialect, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(stmt), q.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]*webhooks.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// TransitionEvent is a conditional status update
func (s *Store) TransitionEvent(ctx context.Context, tenantID, id string, from []webhooks.EventStatus, to webhooks.EventStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	q := &query{}
	q.where("tenant_id = " + q.arg(tenantID))
	q.where("id = " + q.arg(id))
	q.where("status IN " + q.in(statusArgs(from...)...))
	stmt := `UPDATE webhook_events SET status = ` + q.arg(string(to)) + `, updated_at = ` + q.arg(at.UTC()) + q.whereClause()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(stmt), q.args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// CompleteFanOut marks a PROCESSING event PROCESSED and inserts its
// deliveries in one transaction
func (s *Store) CompleteFanOut(ctx context.Context, event *webhooks.Event, deliveries []*webhooks.Delivery, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE webhook_events SET status = $3, delivery_count = $4, error_message = '',
				processed_at = $5, updated_at = $5
			WHERE tenant_id = $1 AND id = $2 AND status = $6`
		res, err := tx.ExecContext(ctx, s.dialect.rebind(query),
			event.TenantID, event.ID, string(webhooks.EventStatusProcessed), len(deliveries), at.UTC(),
			string(webhooks.EventStatusProcessing))
		if err != nil {
			return fmt.Errorf("failed to complete event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			found, err := s.exists(ctx, tx, "webhook_events", event.TenantID, event.ID)
			if err != nil {
				return err
			}
			if !found {
				return notFound("event", event.ID)
			}
			return conflict("event", event.ID)
		}

		for _, d := range deliveries {
			if err := s.insertDelivery(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailEvent records a fan-out failure
func (s *Store) FailEvent(ctx context.Context, tenantID, id, message string, at time.Time) error {
	query := `UPDATE webhook_events SET status = $3, error_message = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2`
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query),
		tenantID, id, string(webhooks.EventStatusFailed), message, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to fail event: %w", err)
	}
	return requireRow(res, "event", id)
}

// FailStaleEvents fails events left PROCESSING since before cutoff
func (s *Store) FailStaleEvents(ctx context.Context, tenantID string, cutoff, now time.Time) (int, error) {
	q := &query{}
	status := q.arg(string(webhooks.EventStatusFailed))
	msg := q.arg(webhooks.StaleEventMessage)
	ts := q.arg(now.UTC())
	q.where("status = " + q.arg(string(webhooks.EventStatusProcessing)))
	q.where("updated_at < " + q.arg(cutoff.UTC()))
	if tenantID != "" {
		q.where("tenant_id = " + q.arg(tenantID))
	}
	stmt := `UPDATE webhook_events SET status = ` + status + `, error_message = ` + msg +
		`, updated_at = ` + ts + q.whereClause()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(stmt), q.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
