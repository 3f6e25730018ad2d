package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrResult    = "result"
	attrTool      = "tool"
	attrSource    = "source"
	attrKind      = "kind"
	attrBackend   = "backend"
	attrDomain    = "domain"
)

// Label values shared by the recording helpers and their callers.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	TokenKindOpaque = "opaque"
	TokenKindJWT    = "jwt"

	VerifyResultValid    = "valid"
	VerifyResultInvalid  = "invalid"
	VerifyResultRejected = "rejected"

	StoreOpSave   = "save"
	StoreOpHas    = "has"
	StoreOpGet    = "get"
	StoreOpLookup = "lookup_mcp"
	StoreOpSingle = "single_user"
	StoreOpDelete = "delete"

	GoogleOpUserinfo = "userinfo"
	GoogleOpExchange = "token_exchange"
)

// Metrics provides methods for recording observability metrics.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	activeSessions      metric.Int64UpDownCounter

	// Auth resolution metrics
	authResolutionsTotal metric.Int64Counter
	tokenVerifyTotal     metric.Int64Counter
	tokenVerifyDuration  metric.Float64Histogram

	// Session store metrics
	storeOperationsTotal metric.Int64Counter

	// Google API metrics
	googleAPIOperationsTotal   metric.Int64Counter
	googleAPIOperationDuration metric.Float64Histogram

	// MCP Tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	// detailedLabels adds the user's email domain to resolution metrics
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		"active_sessions",
		metric.WithDescription("Number of stored user sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_sessions gauge: %w", err)
	}

	m.authResolutionsTotal, err = meter.Int64Counter(
		"auth_resolutions_total",
		metric.WithDescription("Total number of tool calls by authentication source"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_resolutions_total counter: %w", err)
	}

	m.tokenVerifyTotal, err = meter.Int64Counter(
		"token_verifications_total",
		metric.WithDescription("Total number of bearer token verifications"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_verifications_total counter: %w", err)
	}

	m.tokenVerifyDuration, err = meter.Float64Histogram(
		"token_verification_duration_seconds",
		metric.WithDescription("Bearer token verification duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_verification_duration_seconds histogram: %w", err)
	}

	m.storeOperationsTotal, err = meter.Int64Counter(
		"session_store_operations_total",
		metric.WithDescription("Total number of session store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session_store_operations_total counter: %w", err)
	}

	m.googleAPIOperationsTotal, err = meter.Int64Counter(
		"google_api_operations_total",
		metric.WithDescription("Total number of Google API operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operations_total counter: %w", err)
	}

	m.googleAPIOperationDuration, err = meter.Float64Histogram(
		"google_api_operation_duration_seconds",
		metric.WithDescription("Google API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create google_api_operation_duration_seconds histogram: %w", err)
	}

	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAuthResolution records which step of the precedence chain resolved a
// tool call. An empty source is recorded as "unresolved". The email is only
// used when detailed labels are enabled, and then only its domain.
func (m *Metrics) RecordAuthResolution(ctx context.Context, source, email string) {
	if m == nil || m.authResolutionsTotal == nil {
		return
	}
	if source == "" {
		source = "unresolved"
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrSource, source),
	}
	if m.detailedLabels && email != "" {
		attrs = append(attrs, attribute.String(attrDomain, ExtractUserDomain(email)))
	}

	m.authResolutionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTokenVerification records a bearer token verification.
//
// Parameters:
//   - kind: TokenKindOpaque or TokenKindJWT
//   - result: VerifyResultValid, VerifyResultInvalid or VerifyResultRejected
//   - duration: time spent verifying, zero for tokens rejected without a call
func (m *Metrics) RecordTokenVerification(ctx context.Context, kind, result string, duration time.Duration) {
	if m == nil || m.tokenVerifyTotal == nil || m.tokenVerifyDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrKind, kind),
		attribute.String(attrResult, result),
	}

	m.tokenVerifyTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.tokenVerifyDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSessionStoreOperation records a session store call against a backend.
func (m *Metrics) RecordSessionStoreOperation(ctx context.Context, backend, operation, status string) {
	if m == nil || m.storeOperationsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrBackend, backend),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.storeOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGoogleAPIOperation records a call to a Google endpoint
// (GoogleOpUserinfo, GoogleOpExchange) with status and duration.
func (m *Metrics) RecordGoogleAPIOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if m == nil || m.googleAPIOperationsTotal == nil || m.googleAPIOperationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.googleAPIOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.googleAPIOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordToolInvocation records an MCP tool invocation with tool name, status, and duration.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveSessions counts a newly registered MCP client session.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// DecrementActiveSessions uncounts an MCP client session that went away.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}
