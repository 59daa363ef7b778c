package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

func (d Dialect) schema() []string {
	r := strings.NewReplacer(
		"{json}", d.jsonType(),
		"{time}", d.timeType(),
		"{float}", d.floatType(),
	)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			name                  TEXT NOT NULL DEFAULT '',
			url                   TEXT NOT NULL,
			secret                TEXT NOT NULL,
			verify_ssl            BOOLEAN NOT NULL DEFAULT TRUE,
			include_headers       BOOLEAN NOT NULL DEFAULT FALSE,
			custom_headers        {json},
			events                {json} NOT NULL,
			max_retries           INTEGER NOT NULL,
			retry_delay           BIGINT NOT NULL,
			retry_backoff         {float} NOT NULL,
			timeout               BIGINT NOT NULL,
			metadata              {json},
			is_active             BOOLEAN NOT NULL DEFAULT TRUE,
			is_healthy            BOOLEAN NOT NULL DEFAULT TRUE,
			consecutive_failures  INTEGER NOT NULL DEFAULT 0,
			last_delivery_at      {time},
			last_success_at       {time},
			last_failure_at       {time},
			total_deliveries      BIGINT NOT NULL DEFAULT 0,
			successful_deliveries BIGINT NOT NULL DEFAULT 0,
			failed_deliveries     BIGINT NOT NULL DEFAULT 0,
			created_at            {time} NOT NULL,
			updated_at            {time} NOT NULL,
			deleted_at            {time}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_tenant ON webhook_subscriptions (tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			event_version  TEXT NOT NULL,
			source         TEXT NOT NULL,
			data           {json} NOT NULL,
			metadata       {json},
			status         TEXT NOT NULL,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			error_message  TEXT NOT NULL DEFAULT '',
			processed_at   {time},
			created_at     {time} NOT NULL,
			updated_at     {time} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_tenant ON webhook_events (tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			subscription_id  TEXT NOT NULL REFERENCES webhook_subscriptions (id),
			event_id         TEXT NOT NULL REFERENCES webhook_events (id),
			event_type       TEXT NOT NULL,
			payload          {json} NOT NULL,
			headers          {json},
			signature        TEXT NOT NULL DEFAULT '',
			signature_method TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			http_status      INTEGER,
			response_body    TEXT,
			response_headers {json},
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			max_retries      INTEGER NOT NULL,
			next_retry_at    {time},
			started_at       {time},
			completed_at     {time},
			duration_ms      BIGINT NOT NULL DEFAULT 0,
			error_message    TEXT NOT NULL DEFAULT '',
			error_code       TEXT NOT NULL DEFAULT '',
			error_details    {json},
			created_at       {time} NOT NULL,
			updated_at       {time} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries (status, next_retry_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_event ON webhook_deliveries (tenant_id, event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_subscription ON webhook_deliveries (tenant_id, subscription_id, created_at)`,
	}
	for i, stmt := range stmts {
		stmts[i] = r.Replace(stmt)
	}
	return stmts
}

// EnsureSchema creates the webhook tables and indexes when missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
