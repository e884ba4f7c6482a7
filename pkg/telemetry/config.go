package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Trace export batching. Runs emit a handful of spans each, so these are
// fixed rather than configurable.
const (
	traceBatchSize     = 256
	traceExportTimeout = 10 * time.Second
)

// nodeBuckets covers handler latencies from a fast simulator call to a slow
// ERP round trip or robot motion.
var nodeBuckets = []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60}

// Config selects where a scenerun process sends logs, spans and metrics.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog output. Output is stderr, stdout or a
// file path opened for append.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
	Output string
}

// TracingConfig configures run and node spans. Every run is sampled unless a
// parent span decided otherwise.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`
	Endpoint string `validate:"required_if=Enabled true Exporter otlp"`
	Headers  map[string]string

	// Insecure dials the OTLP collector without TLS, as for a sidecar.
	Insecure bool
}

// MetricsConfig configures the private Prometheus registry. ListenAddress is
// only a default; the CLI serves metrics when asked to.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string `validate:"omitempty,startswith=/"`
	Namespace     string `validate:"required_if=Enabled true"`
}

// DefaultConfig returns console logging on stderr, no tracing and an
// unserved metrics registry.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "scenerun",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter: "none",
			Headers:  make(map[string]string),
			Insecure: true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "scenerun",
		},
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate reports every invalid field in one error.
func (c *Config) Validate() error {
	validateOnce.Do(func() { validate = validator.New() })

	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		switch fe.Tag() {
		case "required", "required_if":
			problems = append(problems, fmt.Sprintf("%s is required", field))
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s %q must be one of: %s", field, fe.Value(), fe.Param()))
		default:
			problems = append(problems, fmt.Sprintf("%s %q is invalid (%s)", field, fe.Value(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(problems, "; "))
}
