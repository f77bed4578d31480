// Package mopentelemetry carries a tracer through context.Context and offers
// small helpers used at every call site that opens a span, mirroring the
// teacher's common/context.go + common/mopentelemetry conventions.
package mopentelemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type tracerContextKey string

const tracerKey = tracerContextKey("tracer")

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// NewTracerFromContext extracts the tracer previously stored with
// ContextWithTracer, falling back to the default global tracer.
//
//nolint:ireturn
func NewTracerFromContext(ctx context.Context) trace.Tracer {
	if tracer, ok := ctx.Value(tracerKey).(trace.Tracer); ok && tracer != nil {
		return tracer
	}

	return otel.Tracer("escrow-kernel")
}

// HandleSpanError records err on span and marks it as errored, if err is non-nil.
func HandleSpanError(span *trace.Span, message string, err error) {
	if err == nil || span == nil {
		return
	}

	(*span).RecordError(err, trace.WithAttributes(attribute.String("message", message)))
	(*span).SetStatus(codes.Error, message)
}

// SetSpanAttributeString attaches a single string attribute to span.
func SetSpanAttributeString(span *trace.Span, key, value string) {
	if span == nil {
		return
	}

	(*span).SetAttributes(attribute.String(key, value))
}
