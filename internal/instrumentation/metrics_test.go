package instrumentation

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newEnabledProvider(t *testing.T, detailed bool) *Provider {
	t.Helper()
	provider, err := NewProvider(context.Background(), Config{
		ServiceName:     "workspace-mcp-test",
		Enabled:         true,
		MetricsExporter: ExporterPrometheus,
		TracingExporter: ExporterNone,
		DetailedLabels:  detailed,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider
}

// scrape returns the Prometheus text exposition of the provider.
func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("reading scrape: %v", err)
	}
	return string(body)
}

func assertScrapeContains(t *testing.T, body string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("scrape is missing %q", w)
		}
	}
}

func TestMetrics_AuthResolution(t *testing.T) {
	p := newEnabledProvider(t, false)
	ctx := context.Background()

	p.Metrics().RecordAuthResolution(ctx, "bearer_token", "jane@example.com")
	p.Metrics().RecordAuthResolution(ctx, "", "")

	body := scrape(t, p)
	assertScrapeContains(t, body,
		"auth_resolutions_total",
		`source="bearer_token"`,
		`source="unresolved"`,
	)
	if strings.Contains(body, "example.com") {
		t.Error("user domain exported without detailed labels")
	}
}

func TestMetrics_AuthResolution_DetailedLabels(t *testing.T) {
	p := newEnabledProvider(t, true)

	p.Metrics().RecordAuthResolution(context.Background(), "mcp_session_binding", "Jane@Example.com")

	assertScrapeContains(t, scrape(t, p), `domain="example.com"`, `source="mcp_session_binding"`)
}

func TestMetrics_VerificationStoreAndGoogle(t *testing.T) {
	p := newEnabledProvider(t, false)
	m, ctx := p.Metrics(), context.Background()

	m.RecordTokenVerification(ctx, TokenKindOpaque, VerifyResultValid, 80*time.Millisecond)
	m.RecordTokenVerification(ctx, TokenKindJWT, VerifyResultRejected, 0)
	m.RecordSessionStoreOperation(ctx, "valkey", StoreOpLookup, StatusError)
	m.RecordGoogleAPIOperation(ctx, GoogleOpExchange, StatusSuccess, 300*time.Millisecond)

	assertScrapeContains(t, scrape(t, p),
		"token_verifications_total",
		`kind="opaque"`,
		`result="rejected"`,
		"session_store_operations_total",
		`backend="valkey"`,
		`operation="lookup_mcp"`,
		"google_api_operations_total",
		`operation="token_exchange"`,
	)
}

func TestMetrics_ToolsHTTPAndSessions(t *testing.T) {
	p := newEnabledProvider(t, false)
	m, ctx := p.Metrics(), context.Background()

	m.RecordToolInvocation(ctx, "start_google_auth", StatusSuccess, 100*time.Millisecond)
	m.RecordHTTPRequest(ctx, "POST", "/mcp", 500, 50*time.Millisecond)
	m.IncrementActiveSessions(ctx)
	m.IncrementActiveSessions(ctx)
	m.DecrementActiveSessions(ctx)

	assertScrapeContains(t, scrape(t, p),
		"mcp_tool_invocations_total",
		`tool="start_google_auth"`,
		"http_requests_total",
		`status="500"`,
		"active_sessions",
	)
}

func TestMetrics_ZeroAndNilRecorders(t *testing.T) {
	ctx := context.Background()
	for name, m := range map[string]*Metrics{"zero": {}, "nil": nil} {
		t.Run(name, func(t *testing.T) {
			m.RecordHTTPRequest(ctx, "GET", "/mcp", 200, time.Millisecond)
			m.RecordAuthResolution(ctx, "bearer_token", "jane@example.com")
			m.RecordTokenVerification(ctx, TokenKindOpaque, VerifyResultValid, time.Millisecond)
			m.RecordSessionStoreOperation(ctx, "memory", StoreOpGet, StatusSuccess)
			m.RecordGoogleAPIOperation(ctx, GoogleOpUserinfo, StatusSuccess, time.Millisecond)
			m.RecordToolInvocation(ctx, "get_authenticated_user", StatusSuccess, time.Millisecond)
			m.IncrementActiveSessions(ctx)
			m.DecrementActiveSessions(ctx)
		})
	}
}
