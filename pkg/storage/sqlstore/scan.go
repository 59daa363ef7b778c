package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

const subscriptionColumns = `id, tenant_id, name, url, secret, verify_ssl, include_headers, custom_headers,
	events, max_retries, retry_delay, retry_backoff, timeout, metadata, is_active, is_healthy,
	consecutive_failures, last_delivery_at, last_success_at, last_failure_at, total_deliveries,
	successful_deliveries, failed_deliveries, created_at, updated_at, deleted_at`

const eventColumns = `id, tenant_id, event_type, event_version, source, data, metadata, status,
	delivery_count, error_message, processed_at, created_at, updated_at`

const deliveryColumns = `id, tenant_id, subscription_id, event_id, event_type, payload, headers,
	signature, signature_method, status, http_status, response_body, response_headers,
	attempt_count, max_retries, next_retry_at, started_at, completed_at, duration_ms,
	error_message, error_code, error_details, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// jsonText is a nullable JSON column read as text
type jsonText struct {
	sql.NullString
}

func (j jsonText) decode(dest any) error {
	if !j.Valid || j.String == "" || j.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(j.String), dest)
}

// encodeJSON returns a JSON column value, or nil when v is empty
func encodeJSON[T any](v map[string]T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func utc(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanSubscription(row scanner) (*webhooks.Subscription, error) {
	var (
		s                                           webhooks.Subscription
		headers, events, metadata                   jsonText
		lastDelivery, lastSuccess, lastFailure, del sql.NullTime
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.URL, &s.Secret, &s.VerifySSL, &s.IncludeHeaders, &headers,
		&events, &s.MaxRetries, &s.RetryDelay, &s.RetryBackoff, &s.Timeout, &metadata, &s.IsActive, &s.IsHealthy,
		&s.ConsecutiveFailures, &lastDelivery, &lastSuccess, &lastFailure, &s.TotalDeliveries,
		&s.SuccessfulDeliveries, &s.FailedDeliveries, &s.CreatedAt, &s.UpdatedAt, &del)
	if err != nil {
		return nil, err
	}
	if err := headers.decode(&s.CustomHeaders); err != nil {
		return nil, fmt.Errorf("failed to decode custom headers: %w", err)
	}
	if err := events.decode(&s.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	if err := metadata.decode(&s.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	s.LastDeliveryAt = nullTime(lastDelivery)
	s.LastSuccessAt = nullTime(lastSuccess)
	s.LastFailureAt = nullTime(lastFailure)
	s.DeletedAt = nullTime(del)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func scanEvent(row scanner) (*webhooks.Event, error) {
	var (
		e              webhooks.Event
		data, metadata jsonText
		processed      sql.NullTime
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.EventType, &e.EventVersion, &e.Source, &data, &metadata, &e.Status,
		&e.DeliveryCount, &e.ErrorMessage, &processed, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	if err := metadata.decode(&e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	e.ProcessedAt = nullTime(processed)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func scanDelivery(row scanner) (*webhooks.Delivery, error) {
	var (
		d                                   webhooks.Delivery
		payload, headers, respHeaders, errs jsonText
		httpStatus                          sql.NullInt64
		respBody                            sql.NullString
		next, started, completed            sql.NullTime
	)
	err := row.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventID, &d.EventType, &payload, &headers,
		&d.Signature, &d.SignatureMethod, &d.Status, &httpStatus, &respBody, &respHeaders,
		&d.AttemptCount, &d.MaxRetries, &next, &started, &completed, &d.DurationMs,
		&d.ErrorMessage, &d.ErrorCode, &errs, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		d.Payload = json.RawMessage(payload.String)
	}
	if err := headers.decode(&d.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	if err := respHeaders.decode(&d.ResponseHeaders); err != nil {
		return nil, fmt.Errorf("failed to decode response headers: %w", err)
	}
	if err := errs.decode(&d.ErrorDetails); err != nil {
		return nil, fmt.Errorf("failed to decode error details: %w", err)
	}
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		d.HTTPStatus = &v
	}
	if respBody.Valid {
		v := respBody.String
		d.ResponseBody = &v
	}
	d.NextRetryAt = nullTime(next)
	d.StartedAt = nullTime(started)
	d.CompletedAt = nullTime(completed)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func httpStatusValue(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func stringValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
