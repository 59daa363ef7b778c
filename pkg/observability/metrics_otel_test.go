package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMeterProvider installs a meter provider backed by a manual reader
func setupTestMeterProvider(t *testing.T) *metric.ManualReader {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestOTelMetrics_Record(t *testing.T) {
	reader := setupTestMeterProvider(t)
	m, err := NewOTelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDelivery(ctx, "delivered", 120*time.Millisecond)
	m.RecordDelivery(ctx, "retrying", time.Second)
	m.RecordSweep(ctx, map[string]int{"attempted": 3, "deferred": 0, "expired": 1})
	m.RecordHealthTransition(ctx, false)

	got := collect(t, reader)
	assert.EqualValues(t, 2, sumTotal(t, got["hookd.delivery.attempts"]))
	assert.EqualValues(t, 4, sumTotal(t, got["hookd.sweep.items"]))
	assert.EqualValues(t, 1, sumTotal(t, got["hookd.subscription.health_transitions"]))

	hist, ok := got["hookd.delivery.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 2, count)
}

func TestOTelMetrics_DBStats(t *testing.T) {
	reader := setupTestMeterProvider(t)
	m, err := NewOTelMetrics()
	require.NoError(t, err)

	require.NoError(t, m.ObserveDBStats(func() sql.DBStats {
		return sql.DBStats{InUse: 2, Idle: 3, MaxOpenConnections: 25}
	}))

	got := collect(t, reader)
	for name, want := range map[string]int64{
		"db.connections.in_use": 2,
		"db.connections.idle":   3,
		"db.connections.max":    25,
	} {
		gauge, ok := got[name].Data.(metricdata.Gauge[int64])
		require.True(t, ok, name)
		require.Len(t, gauge.DataPoints, 1, name)
		assert.Equal(t, want, gauge.DataPoints[0].Value, name)
	}
}

func TestMetrics_MirrorTo(t *testing.T) {
	reader := setupTestMeterProvider(t)
	o, err := NewOTelMetrics()
	require.NoError(t, err)

	m := NewMetrics(prometheus.NewRegistry())
	m.MirrorTo(o)
	m.ObserveDelivery("failed", time.Second)
	m.ObserveSweep(time.Second, map[string]int{"delivered": 2})
	m.ObserveHealthTransition(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("failed")))

	got := collect(t, reader)
	assert.EqualValues(t, 1, sumTotal(t, got["hookd.delivery.attempts"]))
	assert.EqualValues(t, 2, sumTotal(t, got["hookd.sweep.items"]))
	assert.EqualValues(t, 1, sumTotal(t, got["hookd.subscription.health_transitions"]))
}
