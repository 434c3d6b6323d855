package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for live-session telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Stream attributes
	AttrEventType     = attribute.Key("event.type")
	AttrTransportKind = attribute.Key("transport.kind")
	AttrDecodeStage   = attribute.Key("decode.stage")

	// Sequence attributes
	AttrSequenceKind = attribute.Key("sequence.kind")
	AttrAnomalyType  = attribute.Key("anomaly.type")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	// Operation attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Connection attributes
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// EventAttributes returns common attributes for frame metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// DecodeAttributes returns attributes for decode failure metrics.
func DecodeAttributes(environment, eventType, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrDecodeStage.String(stage),
	}
}

// AnomalyAttributes returns attributes for sequence anomaly metrics.
func AnomalyAttributes(environment, kind, anomalyType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSequenceKind.String(kind),
		AttrAnomalyType.String(anomalyType),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, transport, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransportKind.String(transport),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
