package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestStreamMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := NewProviderWithReader(Config{ServiceName: "livesession-test", Environment: "Test"}, reader)
	defer func() { require.NoError(t, provider.Shutdown(context.Background())) }()
	require.Equal(t, "test", Environment())

	metrics, err := NewStreamMetrics(provider.Meter("livesession/stream"), "sse")
	require.NoError(t, err)

	ctx := context.Background()
	metrics.FrameReceived(ctx, "tick_update", 200*time.Microsecond)
	metrics.FrameReceived(ctx, "node_events", time.Millisecond)
	metrics.DecodeFailed(ctx, "trade_update", "inflate")
	metrics.Anomaly(ctx, "node", "gap")
	metrics.Anomaly(ctx, "node", "duplicate")
	metrics.ReconnectScheduled(ctx, "idle timeout", 3*time.Second)
	metrics.BaselineFetched(ctx, 20*time.Millisecond, nil)
	metrics.BaselineFetched(ctx, 5*time.Millisecond, errors.New("503"))
	metrics.ConnectionChanged(ctx, "connected", true)

	got := collectMetrics(t, reader)
	require.Equal(t, int64(2), sumOf(t, got[MetricFramesReceived]))
	require.Equal(t, int64(1), sumOf(t, got[MetricDecodeErrors]))
	require.Equal(t, int64(2), sumOf(t, got[MetricSequenceAnomalies]))
	require.Equal(t, int64(1), sumOf(t, got[MetricReconnects]))
	require.Equal(t, int64(2), sumOf(t, got[MetricBaselineFetches]))

	hist, ok := got[MetricBaselineDuration].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 2)
	require.Equal(t, []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}, hist.DataPoints[0].Bounds)

	gauge, ok := got[MetricConnectionState].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Equal(t, int64(1), gauge.DataPoints[0].Value)
}

func TestNilStreamMetricsIsNoop(t *testing.T) {
	var metrics *StreamMetrics
	ctx := context.Background()
	metrics.FrameReceived(ctx, "heartbeat", 0)
	metrics.DecodeFailed(ctx, "tick_update", "json")
	metrics.Anomaly(ctx, "trade", "gap")
	metrics.ReconnectScheduled(ctx, "eof", time.Second)
	metrics.BaselineFetched(ctx, time.Second, nil)
	metrics.ConnectionChanged(ctx, "error", false)
}

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "ci"})
	require.NoError(t, err)
	require.NotNil(t, provider.Meter("livesession"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
