// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for the workspace-mcp server.
//
// # Metrics
//
// Server/HTTP:
//   - http_requests_total, http_request_duration_seconds
//   - active_sessions: sessions currently held by the session store
//
// Authentication:
//   - auth_resolutions_total: tool calls by the chain step that resolved them
//   - token_verifications_total, token_verification_duration_seconds:
//     bearer verifications by token kind (opaque, jwt) and result
//   - session_store_operations_total: store calls by backend, operation, status
//
// Google:
//   - google_api_operations_total, google_api_operation_duration_seconds
//
// MCP tools:
//   - mcp_tool_invocations_total, mcp_tool_duration_seconds
//
// # Tracing
//
// Spans are created for tool invocations (tool.<name>), principal resolution
// (auth.resolve) and Google calls (google.<operation>).
//
// # Configuration
//
// ConfigFromEnv reads INSTRUMENTATION_ENABLED, METRICS_EXPORTER,
// TRACING_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_TRACES_SAMPLER_ARG,
// OTEL_SERVICE_NAME and the AUDIT_LOGGING_* switches.
//
//	cfg, err := instrumentation.ConfigFromEnv()
//	if err != nil {
//		return err
//	}
//	provider, err := instrumentation.NewProvider(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordAuthResolution(ctx, "bearer_token", email)
package instrumentation
