// Package telemetry provides semantic conventions for Publora observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Publora-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrDestination identifies the external content-distribution destination.
	AttrDestination = attribute.Key("destination")
	// AttrAccount identifies the connected account a job publishes through.
	AttrAccount = attribute.Key("account")
	// AttrJobState captures the publish job lifecycle state being reported.
	AttrJobState = attribute.Key("job.state")
	// AttrOutcomeStatus captures the target outcome status on attempt completion.
	AttrOutcomeStatus = attribute.Key("outcome.status")
	// AttrErrorKind categorizes failures by the fixed classification taxonomy.
	AttrErrorKind = attribute.Key("error.kind")
	// AttrReason provides additional free-form context for denials and rejections.
	AttrReason = attribute.Key("reason")
	// AttrAttempt records which attempt of the retry budget produced the signal.
	AttrAttempt = attribute.Key("attempt")
	// AttrAggregateStatus labels post-level aggregate transitions.
	AttrAggregateStatus = attribute.Key("aggregate.status")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
)

// Helper functions for creating common attribute sets

// JobAttributes returns common attributes for job lifecycle metrics.
func JobAttributes(environment, destination, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDestination.String(destination),
		AttrJobState.String(state),
	}
}

// OutcomeAttributes returns attributes for attempt completion metrics.
func OutcomeAttributes(environment, destination, status, errorKind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDestination.String(destination),
		AttrOutcomeStatus.String(status),
	}
	if errorKind != "" {
		attrs = append(attrs, AttrErrorKind.String(errorKind))
	}
	return attrs
}

var environment = "dev"

// SetEnvironment records the deployment environment stamped on metrics.
func SetEnvironment(env string) {
	if env != "" {
		environment = env
	}
}

// Environment returns the configured deployment environment.
func Environment() string {
	return environment
}
