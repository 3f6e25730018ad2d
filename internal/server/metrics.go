package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/teemow/workspace-mcp/internal/instrumentation"
	"github.com/teemow/workspace-mcp/internal/logging"
)

// DefaultMetricsAddr keeps scrapes off the MCP listener.
const DefaultMetricsAddr = ":9090"

// DefaultShutdownTimeout bounds graceful shutdown of every listener.
const DefaultShutdownTimeout = 30 * time.Second

// MetricsConfig configures the scrape listener.
type MetricsConfig struct {
	Addr     string
	Provider *instrumentation.Provider
	// Health, when set, backs /healthz and /readyz so probes and scrapes
	// can share the internal port.
	Health *HealthChecker
	Logger *slog.Logger
}

// MetricsServer exposes the Prometheus registry of an enabled provider.
type MetricsServer struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewMetricsServer fails unless the provider exports to Prometheus.
func NewMetricsServer(cfg MetricsConfig) (*MetricsServer, error) {
	switch {
	case cfg.Provider == nil:
		return nil, errors.New("instrumentation provider is required")
	case !cfg.Provider.Enabled():
		return nil, errors.New("instrumentation provider is not enabled")
	}
	scrape := cfg.Provider.PrometheusHandler()
	if scrape == nil {
		return nil, errors.New("metrics exporter is not prometheus")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultMetricsAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", scrape)
	if cfg.Health != nil {
		mux.Handle("GET /healthz", cfg.Health.LivenessHandler())
		mux.Handle("GET /readyz", cfg.Health.ReadinessHandler())
	} else {
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
	}

	return &MetricsServer{
		logger: logging.WithComponent(cfg.Logger, "metrics"),
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       time.Minute,
		},
	}, nil
}

// Addr is the configured listen address.
func (s *MetricsServer) Addr() string { return s.srv.Addr }

// Handler returns the route table.
func (s *MetricsServer) Handler() http.Handler { return s.srv.Handler }

// Start blocks until Shutdown and then returns http.ErrServerClosed.
func (s *MetricsServer) Start() error {
	s.logger.Info("metrics listener starting", slog.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting scrapes and waits for in-flight ones.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.logger.Info("metrics listener stopping")
	return s.srv.Shutdown(ctx)
}
