package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer behind every span this module starts.
const TracerName = "github.com/teemow/workspace-mcp"

// Span attribute keys.
const (
	SpanAttrTool       = "mcp.tool"
	SpanAttrStatus     = "mcp.status"
	SpanAttrSource     = "auth.source"
	SpanAttrMode       = "auth.mode"
	SpanAttrUserDomain = "auth.user_domain"
	SpanAttrOperation  = "google.operation"
)

// SpanAttributeBuilder collects span attributes, dropping empty values.
type SpanAttributeBuilder struct {
	attrs []attribute.KeyValue
}

func NewSpanAttributeBuilder() *SpanAttributeBuilder {
	return &SpanAttributeBuilder{attrs: make([]attribute.KeyValue, 0, 4)}
}

func (b *SpanAttributeBuilder) add(key, value string) *SpanAttributeBuilder {
	if value != "" {
		b.attrs = append(b.attrs, attribute.String(key, value))
	}
	return b
}

// WithSource sets the resolution source, e.g. "bearer_token".
func (b *SpanAttributeBuilder) WithSource(source string) *SpanAttributeBuilder {
	return b.add(SpanAttrSource, source)
}

func (b *SpanAttributeBuilder) WithMode(mode string) *SpanAttributeBuilder {
	return b.add(SpanAttrMode, mode)
}

// WithUserDomain records only the domain part of email.
func (b *SpanAttributeBuilder) WithUserDomain(email string) *SpanAttributeBuilder {
	if email == "" {
		return b
	}
	return b.add(SpanAttrUserDomain, ExtractUserDomain(email))
}

func (b *SpanAttributeBuilder) WithStatus(status string) *SpanAttributeBuilder {
	return b.add(SpanAttrStatus, status)
}

func (b *SpanAttributeBuilder) Build() []attribute.KeyValue {
	return b.attrs
}

func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// StartToolSpan starts the server span "tool.<name>" around one tool call.
func StartToolSpan(ctx context.Context, toolName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String(SpanAttrTool, toolName)}, attrs...)
	return tracer().Start(ctx, "tool."+toolName,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartAuthSpan starts "auth.resolve" for the principal resolution of one call.
func StartAuthSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "auth.resolve",
		trace.WithAttributes(attribute.String(SpanAttrTool, name)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartGoogleAPISpan starts the client span "google.<operation>".
func StartGoogleAPISpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String(SpanAttrOperation, operation)}, attrs...)
	return tracer().Start(ctx, "google."+operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks span failed. A nil err is ignored.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
