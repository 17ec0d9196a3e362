package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for throttler telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrLane identifies the dispatch lane (slow, fast).
	AttrLane = attribute.Key("lane")
	// AttrSubscriber carries the diagnostic subscriber name.
	AttrSubscriber = attribute.Key("subscriber")
	// AttrInstrument captures the instrument key (e.g. EURUSD).
	AttrInstrument = attribute.Key("instrument")
	// AttrReason explains why a dispatch slot was skipped or a pass stopped.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of a delivery (success, error).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Reason values
const (
	ReasonInFlight      = "in_flight"
	ReasonQueueEmpty    = "queue_empty"
	ReasonRotationEmpty = "rotation_empty"
	ReasonSubmitFailed  = "submit_failed"
	ReasonCapacity      = "capacity"
)

// LaneAttributes returns the common attributes for per-lane metrics.
func LaneAttributes(lane string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrLane.String(lane),
	}
}

// DeliveryAttributes returns attributes for a completed delivery.
func DeliveryAttributes(lane, result string) []attribute.KeyValue {
	return append(LaneAttributes(lane), AttrResult.String(result))
}
