package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
//
//	ctx, span := telemetry.StartSpan(ctx, "authsvc/services/lifecycle", "lifecycle.Disable",
//	    attribute.String(telemetry.AttrUserEmail, email),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
// Use for business events like a skipped relation or a duplicate invitation.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	// User lifecycle attributes
	AttrUserEmail      = "user.email"
	AttrUserGlobalID   = "user.global_id"
	AttrUserStatus     = "user.status"
	AttrTransition     = "lifecycle.transition"
	AttrProjectCode    = "project.code"
	AttrRelationStatus = "relation.status"
	AttrAffected       = "lifecycle.affected"

	// Invitation attributes
	AttrInvitationID      = "invitation.id"
	AttrInvitationOutcome = "invitation.outcome"
	AttrPlatformRole      = "invitation.platform_role"

	// Policy attributes
	AttrPolicyRole      = "policy.role"
	AttrPolicyZone      = "policy.zone"
	AttrPolicyResource  = "policy.resource"
	AttrPolicyOperation = "policy.operation"
	AttrPolicyAllowed   = "policy.allowed"

	// Backend attributes
	AttrBackend = "backend.name"
)
