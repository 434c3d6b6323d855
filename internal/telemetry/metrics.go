package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricFramesReceived     = "stream.frames.received"
	MetricDecodeErrors       = "stream.decode.errors"
	MetricSequenceAnomalies  = "stream.sequence.anomalies"
	MetricReconnects         = "stream.reconnects"
	MetricBaselineFetches    = "stream.baseline.fetches"
	MetricBaselineDuration   = "stream.baseline.duration"
	MetricReconnectDelay     = "stream.reconnect.delay"
	MetricFrameApplyDuration = "stream.frame.apply.duration"
	MetricConnectionState    = "stream.connection.state"
)

// StreamMetrics records push-channel instrumentation. A nil *StreamMetrics
// is valid and records nothing.
type StreamMetrics struct {
	frames        metric.Int64Counter
	decodeErrors  metric.Int64Counter
	anomalies     metric.Int64Counter
	reconnects    metric.Int64Counter
	baselines     metric.Int64Counter
	baselineDur   metric.Float64Histogram
	reconnectWait metric.Float64Histogram
	applyDur      metric.Float64Histogram
	connected     metric.Int64Gauge
	transport     string
}

// NewStreamMetrics registers the stream instruments on meter.
func NewStreamMetrics(meter metric.Meter, transport string) (*StreamMetrics, error) {
	m := &StreamMetrics{transport: transport}
	var err error
	if m.frames, err = meter.Int64Counter(MetricFramesReceived,
		metric.WithDescription("Frames received from the push channel"), metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.decodeErrors, err = meter.Int64Counter(MetricDecodeErrors,
		metric.WithDescription("Frames skipped because they could not be decoded"), metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.anomalies, err = meter.Int64Counter(MetricSequenceAnomalies,
		metric.WithDescription("Catch-up id gaps and duplicates"), metric.WithUnit("{anomaly}")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter(MetricReconnects,
		metric.WithDescription("Reconnect attempts after a transport failure"), metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if m.baselines, err = meter.Int64Counter(MetricBaselineFetches,
		metric.WithDescription("Baseline snapshot fetches"), metric.WithUnit("{fetch}")); err != nil {
		return nil, err
	}
	if m.baselineDur, err = meter.Float64Histogram(MetricBaselineDuration,
		metric.WithDescription("Baseline snapshot fetch duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.reconnectWait, err = meter.Float64Histogram(MetricReconnectDelay,
		metric.WithDescription("Backoff delay before a reconnect attempt"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.applyDur, err = meter.Float64Histogram(MetricFrameApplyDuration,
		metric.WithDescription("Time to decode and apply one frame"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.connected, err = meter.Int64Gauge(MetricConnectionState,
		metric.WithDescription("1 while the push channel is connected")); err != nil {
		return nil, err
	}
	return m, nil
}

// FrameReceived counts one decoded frame and its apply latency.
func (m *StreamMetrics) FrameReceived(ctx context.Context, eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(EventAttributes(Environment(), eventType)...)
	m.frames.Add(ctx, 1, attrs)
	m.applyDur.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// DecodeFailed counts a skipped frame.
func (m *StreamMetrics) DecodeFailed(ctx context.Context, eventType, stage string) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1, metric.WithAttributes(DecodeAttributes(Environment(), eventType, stage)...))
}

// Anomaly counts a sequence gap or duplicate.
func (m *StreamMetrics) Anomaly(ctx context.Context, kind, anomalyType string) {
	if m == nil {
		return
	}
	m.anomalies.Add(ctx, 1, metric.WithAttributes(AnomalyAttributes(Environment(), kind, anomalyType)...))
}

// ReconnectScheduled counts a reconnect and records the backoff delay.
func (m *StreamMetrics) ReconnectScheduled(ctx context.Context, reason string, delay time.Duration) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(ErrorAttributes(Environment(), "transport", reason)...))
	m.reconnectWait.Record(ctx, float64(delay.Milliseconds()))
}

// BaselineFetched records one baseline fetch attempt.
func (m *StreamMetrics) BaselineFetched(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	attrs := metric.WithAttributes(OperationResultAttributes(Environment(), "baseline", result)...)
	m.baselines.Add(ctx, 1, attrs)
	m.baselineDur.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// ConnectionChanged records the transport state.
func (m *StreamMetrics) ConnectionChanged(ctx context.Context, state string, connected bool) {
	if m == nil {
		return
	}
	var v int64
	if connected {
		v = 1
	}
	m.connected.Record(ctx, v, metric.WithAttributes(ConnectionAttributes(Environment(), m.transport, state)...))
}
