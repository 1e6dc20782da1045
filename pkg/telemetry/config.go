package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the settings for every telemetry signal the agent emits.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Host identifies the managed host in traces and events.
	Host string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path. Files are appended to.
	Output string

	EnableCaller bool

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string `validate:"omitempty,oneof=unix unixms rfc3339"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	SamplingRate float64 `validate:"gte=0,lte=1"`

	MaxExportBatchSize int `validate:"gte=0"`
	ExportTimeout      time.Duration

	// Headers are sent with every OTLP export.
	Headers map[string]string

	// Insecure disables TLS towards the collector.
	Insecure bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event bus feeding run history.
type EventsConfig struct {
	Enabled bool

	BufferSize    int
	FlushInterval time.Duration
	MaxBatchSize  int

	// EnableAsync delivers batches from a background goroutine. When false
	// every Publish delivers synchronously.
	EnableAsync bool
}

// DefaultConfig returns info-level console logging with tracing and
// metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "netstate",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress:           ":9273",
			Path:                    "/metrics",
			Namespace:               "netstate",
			DefaultHistogramBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// DevelopmentConfig returns debug logging with caller info, stdout traces
// and synchronous events.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Events.EnableAsync = false
	return cfg
}

var configValidator = validator.New()

// Validate checks field values and the rules that span sections.
func (c *Config) Validate() error {
	var errs []error
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("telemetry %s: invalid value %v (%s)", fe.Namespace(), fe.Value(), fe.Tag()))
		}
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("telemetry: otlp exporter requires an endpoint"))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("telemetry: metrics listen address is required when metrics are enabled"))
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("telemetry: event buffer size must be positive, got %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
