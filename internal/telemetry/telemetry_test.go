package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{}, "plannersync", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitNeedsAnExporter(t *testing.T) {
	_, err := Init(context.Background(), Settings{Enabled: true}, "plannersync", "test")
	assert.ErrorIs(t, err, ErrNoExporter)
}

func TestNilSyncMetrics(t *testing.T) {
	var m *SyncMetrics
	ctx := context.Background()
	m.Processed(ctx, DirectionUpload, 1)
	m.Failed(ctx, DirectionUpload)
	m.Deferred(ctx, DirectionDownload)
	m.Conflict(ctx, "remote")
	m.Deleted(ctx, "local")
	m.Imported(ctx)
	m.Poll(ctx, "p1", nil)
	m.PollPass(ctx, 3)
	m.Pending(ctx, 4)
	m.Breaker(ctx, "open")
	_, end := m.StartSpan(ctx, "upload")
	end(errors.New("boom"))
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v.AsString() == attr.Value.AsString() {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestSyncMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m := NewSyncMetrics(mp)
	ctx := context.Background()
	m.Processed(ctx, DirectionUpload, 3)
	m.Processed(ctx, DirectionDownload, 2)
	m.Processed(ctx, DirectionUpload, 0)
	m.Failed(ctx, DirectionUpload)
	m.Conflict(ctx, "remote")
	m.Conflict(ctx, "remote")
	m.Deleted(ctx, "local")
	m.Poll(ctx, "p1", errors.New("500"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.EqualValues(t, 3, sumFor(t, rm, "plannersync.tasks.processed", attribute.String("direction", DirectionUpload)))
	assert.EqualValues(t, 2, sumFor(t, rm, "plannersync.tasks.processed", attribute.String("direction", DirectionDownload)))
	assert.EqualValues(t, 1, sumFor(t, rm, "plannersync.tasks.failed", attribute.String("direction", DirectionUpload)))
	assert.EqualValues(t, 2, sumFor(t, rm, "plannersync.conflicts", attribute.String("winner", "remote")))
	assert.EqualValues(t, 1, sumFor(t, rm, "plannersync.tasks.deleted", attribute.String("side", "local")))
	assert.EqualValues(t, 1, sumFor(t, rm, "plannersync.plan.polls", attribute.String("outcome", "error")))
}
