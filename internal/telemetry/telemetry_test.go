package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/HendryAvila/membus/internal/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is %T", m.Name, m.Data)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := telemetry.New(provider.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordWrite(ctx, "write", "success", 3*time.Millisecond)
	m.RecordWrite(ctx, "delete", "success", time.Millisecond)
	m.RecordRead(ctx, 2, "success", time.Millisecond)
	m.RecordEscalation(ctx, 1, 2)
	m.RecordEscalation(ctx, 2, 3)
	m.RecordSync(ctx, "success", 40*time.Millisecond)
	m.RecordSync(ctx, "dead_letter", 0)
	m.RecordBackpressure(ctx)
	m.RecordDesync(ctx)
	m.RecordRebuild(ctx, "completed")
	m.RecordIncident(ctx, "rebuild")

	got := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, got["membus.writes"]))
	assert.Equal(t, int64(1), sum(t, got["membus.reads"]))
	assert.Equal(t, int64(2), sum(t, got["membus.read.escalations"]))
	assert.Equal(t, int64(2), sum(t, got["membus.sync.jobs"]))
	assert.Equal(t, int64(1), sum(t, got["membus.backpressure.rejections"]))
	assert.Equal(t, int64(1), sum(t, got["membus.consistency.desyncs"]))
	assert.Equal(t, int64(1), sum(t, got["membus.consistency.rebuilds"]))
	assert.Equal(t, int64(1), sum(t, got["membus.incidents"]))

	lag, ok := got["membus.sync.lag"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, lag.DataPoints, 1)
	assert.Equal(t, uint64(1), lag.DataPoints[0].Count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.RecordWrite(context.Background(), "write", "success", time.Millisecond)
		m.RecordEscalation(context.Background(), 1, 2)
	})
}

func TestNew_GlobalProvider(t *testing.T) {
	m, err := telemetry.New(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}
