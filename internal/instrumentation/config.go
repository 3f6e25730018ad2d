package instrumentation

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

// Exporter names accepted by METRICS_EXPORTER and TRACING_EXPORTER.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// DefaultMetricInterval is the push interval for OTLP and stdout metric readers.
const DefaultMetricInterval = 10 * time.Second

var (
	metricsExporters = []string{ExporterPrometheus, ExporterOTLP, ExporterStdout}
	tracingExporters = []string{ExporterOTLP, ExporterStdout, ExporterNone}

	errOTLPEndpoint = errors.New("OTLP endpoint is required when an exporter is set to otlp")
)

// Config controls the telemetry provider. Zero values disable nothing on
// their own: a zero Config with Enabled set exports Prometheus metrics only.
type Config struct {
	ServiceName       string `env:"OTEL_SERVICE_NAME" envDefault:"workspace-mcp"`
	ServiceVersion    string
	ServiceInstanceID string `env:"OTEL_SERVICE_INSTANCE_ID"`

	// Falls back to POD_NAMESPACE and HOSTNAME.
	K8sNamespace string `env:"K8S_NAMESPACE"`
	K8sPodName   string `env:"K8S_POD_NAME"`

	Enabled         bool   `env:"INSTRUMENTATION_ENABLED" envDefault:"true"`
	MetricsExporter string `env:"METRICS_EXPORTER" envDefault:"prometheus"`
	TracingExporter string `env:"TRACING_EXPORTER" envDefault:"none"`

	// OTLPEndpoint is host:port without a scheme.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`

	TraceSamplingRate float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"0.1"`

	// DetailedLabels adds the user's email domain to resolution metrics.
	// Leave off in multi-tenant deployments.
	DetailedLabels bool `env:"METRICS_DETAILED_LABELS"`

	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig controls the audit logger.
type AuditLoggingConfig struct {
	Enabled bool `env:"AUDIT_LOGGING_ENABLED" envDefault:"true"`
	// IncludePII writes raw email addresses instead of user hashes.
	IncludePII bool `env:"AUDIT_LOGGING_INCLUDE_PII"`
}

// ConfigFromEnv parses the telemetry settings from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := Config{ServiceVersion: "unknown"}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing instrumentation config: %w", err)
	}
	if cfg.K8sNamespace == "" {
		cfg.K8sNamespace = os.Getenv("POD_NAMESPACE")
	}
	if cfg.K8sPodName == "" {
		cfg.K8sPodName = os.Getenv("HOSTNAME")
	}
	return cfg, nil
}

// Validate reports exporter and sampling settings the provider cannot honor.
// Empty exporter names are accepted and mean the default.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %g", c.TraceSamplingRate)
	}
	if c.MetricsExporter != "" && !slices.Contains(metricsExporters, c.MetricsExporter) {
		return fmt.Errorf("invalid metrics exporter %q, must be one of %v", c.MetricsExporter, metricsExporters)
	}
	if c.TracingExporter != "" && !slices.Contains(tracingExporters, c.TracingExporter) {
		return fmt.Errorf("invalid tracing exporter %q, must be one of %v", c.TracingExporter, tracingExporters)
	}
	if (c.MetricsExporter == ExporterOTLP || c.TracingExporter == ExporterOTLP) && c.OTLPEndpoint == "" {
		return errOTLPEndpoint
	}
	return nil
}
