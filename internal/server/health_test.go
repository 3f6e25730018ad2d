package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	return rec.Code
}

func TestHealthChecker_ServiceInfo(t *testing.T) {
	h := NewHealthChecker("1.2.3", "streamable-http")
	mux := http.NewServeMux()
	h.RegisterHealthEndpoints(mux)

	for _, path := range []string{"/health", "/"} {
		var info ServiceInfo
		code := getJSON(t, mux, path, &info)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, ServiceInfo{
			Status:    "healthy",
			Service:   "workspace-mcp",
			Version:   "1.2.3",
			Transport: "streamable-http",
		}, info, path)
	}
}

func TestHealthChecker_ServiceInfoDefaultsVersion(t *testing.T) {
	var info ServiceInfo
	getJSON(t, NewHealthChecker("", "stdio").ServiceInfoHandler(), "/health", &info)
	assert.Equal(t, "dev", info.Version)
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker("", "stdio")
	h.SetReady(false)

	var resp HealthResponse
	code := getJSON(t, h.LivenessHandler(), "/healthz", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusOK, resp.Status)
}

func TestHealthChecker_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *HealthChecker)
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:     "ready",
			setup:    func(*HealthChecker) {},
			wantCode: http.StatusOK,
			wantChecks: map[string]string{
				"ready":    healthStatusOK,
				"shutdown": healthStatusOK,
			},
		},
		{
			name:     "not ready",
			setup:    func(h *HealthChecker) { h.SetReady(false) },
			wantCode: http.StatusServiceUnavailable,
			wantChecks: map[string]string{
				"ready":    healthStatusNotReady,
				"shutdown": healthStatusOK,
			},
		},
		{
			name:     "shutting down",
			setup:    func(h *HealthChecker) { h.MarkShuttingDown() },
			wantCode: http.StatusServiceUnavailable,
			wantChecks: map[string]string{
				"ready":    healthStatusOK,
				"shutdown": healthStatusShuttingDown,
			},
		},
		{
			name: "failing dependency",
			setup: func(h *HealthChecker) {
				h.AddCheck("session_store", func(context.Context) error { return errors.New("down") })
			},
			wantCode: http.StatusServiceUnavailable,
			wantChecks: map[string]string{
				"ready":         healthStatusOK,
				"shutdown":      healthStatusOK,
				"session_store": healthStatusFailed,
			},
		},
		{
			name: "passing dependency",
			setup: func(h *HealthChecker) {
				h.AddCheck("session_store", func(context.Context) error { return nil })
			},
			wantCode: http.StatusOK,
			wantChecks: map[string]string{
				"ready":         healthStatusOK,
				"shutdown":      healthStatusOK,
				"session_store": healthStatusOK,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("", "stdio")
			tt.setup(h)

			var resp HealthResponse
			code := getJSON(t, h.ReadinessHandler(), "/readyz", &resp)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantChecks, resp.Checks)
		})
	}
}

func TestHealthChecker_Detailed(t *testing.T) {
	h := NewHealthChecker("", "stdio")

	var resp DetailedHealthResponse
	code := getJSON(t, h.DetailedHealthHandler(), "/healthz/detailed", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthStatusOK, resp.Status)
	assert.NotEmpty(t, resp.Uptime)

	h.MarkShuttingDown()
	code = getJSON(t, h.DetailedHealthHandler(), "/healthz/detailed", &resp)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, healthStatusShuttingDown, resp.Status)
}
