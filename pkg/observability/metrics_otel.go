package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry instruments mirroring the delivery metrics
// so they reach the OTLP collector alongside traces
type OTelMetrics struct {
	meter metric.Meter

	deliveryAttempts metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	sweepItems       metric.Int64Counter
	healthChanges    metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(InstrumentationName)

	m := &OTelMetrics{meter: meter}
	var err error

	m.deliveryAttempts, err = meter.Int64Counter(
		"hookd.delivery.attempts",
		metric.WithDescription("Delivery attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery attempts counter: %w", err)
	}

	m.deliveryDuration, err = meter.Float64Histogram(
		"hookd.delivery.duration",
		metric.WithDescription("Outbound webhook request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery duration histogram: %w", err)
	}

	m.sweepItems, err = meter.Int64Counter(
		"hookd.sweep.items",
		metric.WithDescription("Deliveries handled by scheduler sweeps by result"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep items counter: %w", err)
	}

	m.healthChanges, err = meter.Int64Counter(
		"hookd.subscription.health_transitions",
		metric.WithDescription("Subscription health state changes"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create health transitions counter: %w", err)
	}

	return m, nil
}

// RecordDelivery records one finished delivery attempt
func (m *OTelMetrics) RecordDelivery(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("delivery.outcome", outcome))
	m.deliveryAttempts.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSweep adds the per-result counts of one sweep
func (m *OTelMetrics) RecordSweep(ctx context.Context, counts map[string]int) {
	for result, n := range counts {
		if n > 0 {
			m.sweepItems.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep.result", result)))
		}
	}
}

// RecordHealthTransition counts a subscription flipping health state
func (m *OTelMetrics) RecordHealthTransition(ctx context.Context, healthy bool) {
	m.healthChanges.Add(ctx, 1, metric.WithAttributes(attribute.Bool("subscription.healthy", healthy)))
}

// ObserveDBStats reports connection pool statistics on every collection
func (m *OTelMetrics) ObserveDBStats(stats func() sql.DBStats) error {
	inUse, err := m.meter.Int64ObservableGauge(
		"db.connections.in_use",
		metric.WithDescription("Database connections currently in use"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db in-use gauge: %w", err)
	}
	idle, err := m.meter.Int64ObservableGauge(
		"db.connections.idle",
		metric.WithDescription("Idle database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db idle gauge: %w", err)
	}
	maxOpen, err := m.meter.Int64ObservableGauge(
		"db.connections.max",
		metric.WithDescription("Maximum open database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db max gauge: %w", err)
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(inUse, int64(s.InUse))
		o.ObserveInt64(idle, int64(s.Idle))
		o.ObserveInt64(maxOpen, int64(s.MaxOpenConnections))
		return nil
	}, inUse, idle, maxOpen)
	if err != nil {
		return fmt.Errorf("failed to register db stats callback: %w", err)
	}
	return nil
}
