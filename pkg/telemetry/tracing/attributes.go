package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys in the speechgate namespace.
const (
	AttrRequestID    = "speechgate.request_id"
	AttrIdentity     = "speechgate.identity"
	AttrTier         = "speechgate.tier"
	AttrClass        = "speechgate.class"
	AttrChars        = "speechgate.chars"
	AttrReason       = "speechgate.reason"
	AttrRoute        = "speechgate.route"
	AttrAttempt      = "speechgate.attempt"
	AttrForcedDirect = "speechgate.forced_direct"
	AttrRetryCount   = "speechgate.retry_count"
	AttrSegments     = "speechgate.segments"
)

// SetAdmissionAttributes records who asked for what.
func SetAdmissionAttributes(span trace.Span, identity, class string, chars int) {
	span.SetAttributes(
		attribute.String(AttrIdentity, identity),
		attribute.String(AttrClass, class),
		attribute.Int(AttrChars, chars),
	)
}

// SetRejection marks the span with the rejection reason. Rejections are
// expected outcomes, so the span status stays unset.
func SetRejection(span trace.Span, reason string) {
	span.SetAttributes(attribute.String(AttrReason, reason))
}

// SetAttemptAttributes describes one upstream attempt.
func SetAttemptAttributes(span trace.Span, attempt int, route string, forcedDirect bool) {
	span.SetAttributes(
		attribute.Int(AttrAttempt, attempt),
		attribute.String(AttrRoute, route),
		attribute.Bool(AttrForcedDirect, forcedDirect),
	)
}

// SetRetryAttribute records how many retries a dispatch took.
func SetRetryAttribute(span trace.Span, retries int) {
	span.SetAttributes(attribute.Int(AttrRetryCount, retries))
}

// SetRequestAttributes records request identity on the root span.
func SetRequestAttributes(span trace.Span, requestID, identity, tier string) {
	attrs := make([]attribute.KeyValue, 0, 3)
	if requestID != "" {
		attrs = append(attrs, attribute.String(AttrRequestID, requestID))
	}
	if identity != "" {
		attrs = append(attrs, attribute.String(AttrIdentity, identity))
	}
	if tier != "" {
		attrs = append(attrs, attribute.String(AttrTier, tier))
	}
	span.SetAttributes(attrs...)
}

// SetError records err on the span and sets its status to Error.
func SetError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
