package common

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/codes"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/instrumentation"
)

// Instrumentation carries the metrics and audit sinks for tools. Both fields
// may be nil.
type Instrumentation struct {
	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
}

// InstrumentedToolHandler wraps a tool handler with a "tool.<name>" span,
// metrics and audit logging. The auth middleware runs first, so the span and
// the audit record carry the resolved principal.
//
//	s.AddTool(myTool, common.InstrumentedToolHandler("my_tool", inst, handler))
func InstrumentedToolHandler(toolName string, inst Instrumentation, handler mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, source, resolved := auth.AuthenticatedUser(ctx)

		attrs := instrumentation.NewSpanAttributeBuilder()
		if resolved {
			attrs.WithSource(string(source)).WithUserDomain(email)
		}
		ctx, span := instrumentation.StartToolSpan(ctx, toolName, attrs.Build()...)
		defer span.End()

		start := time.Now()
		invocation := instrumentation.NewToolInvocation(toolName).WithSpanContext(ctx)
		if resolved {
			invocation.WithPrincipal(email, string(source))
		}

		result, err := handler(ctx, request)
		duration := time.Since(start)

		status := instrumentation.StatusSuccess
		switch {
		case err != nil:
			status = instrumentation.StatusError
			instrumentation.SetSpanError(span, err)
			invocation.CompleteWithError(err)
		case result != nil && result.IsError:
			status = instrumentation.StatusError
			span.SetStatus(codes.Error, "tool returned an error result")
			invocation.Complete(false, nil)
		default:
			instrumentation.SetSpanSuccess(span)
			invocation.CompleteSuccess()
		}
		span.SetAttributes(instrumentation.NewSpanAttributeBuilder().WithStatus(status).Build()...)

		inst.Metrics.RecordToolInvocation(ctx, toolName, status, duration)
		inst.Audit.LogToolInvocation(invocation)
		return result, err
	}
}
