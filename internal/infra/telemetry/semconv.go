// Package telemetry provides semantic conventions for ordersync observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for ordersync telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrRole identifies the push-channel subscriber role (vendor, courier, customer).
	AttrRole = attribute.Key("channel.role")
	// AttrEventType annotates notification counters with the event tag.
	AttrEventType = attribute.Key("event.type")
	// AttrOperation differentiates cart operations (add, update, remove, clear, refresh).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, stale, ...).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals (open, closed, exhausted).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrTopic labels event bus signals by topic family.
	AttrTopic = attribute.Key("bus.topic")
)

// Result values
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultStale     = "stale"
	ResultExhausted = "exhausted"
	ResultDropped   = "dropped"
)

// ChannelAttributes returns common attributes for push-channel metrics.
func ChannelAttributes(environment, role string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRole.String(role),
	}
}

// CartAttributes returns attributes for cart backend calls.
func CartAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
