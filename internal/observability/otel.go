// Package observability provides OpenTelemetry integration for metrics, tracing, and logging.
// Traces and logs go to OTLP (gRPC or HTTP). Metrics are gathered in a Prometheus
// registry that the CLI writes to a node_exporter textfile after each run.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const providerShutdownTimeout = 5 * time.Second

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TraceSampleRatio float64
	OTLPConfig       OTLPExporterConfig
}

// newResource describes the tool. The schema URL is left empty so it merges
// with resource.Default() without conflicts.
func newResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// shutdownProvider flushes one provider within providerShutdownTimeout.
func shutdownProvider(ctx context.Context, logger *slog.Logger, name string, shutdown func(context.Context) error) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, providerShutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown "+name+" provider", slog.String("error", err.Error()))
		return err
	}
	logger.Debug(name + " provider shutdown successfully")
	return nil
}

// MeterProvider pairs the SDK meter provider with the Prometheus registry
// its exporter feeds.
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *otelprom.Exporter
	registry *prometheus.Registry
}

// InitMeterProvider installs a global meter provider backed by a dedicated
// Prometheus registry, so only merge metrics end up in the textfile.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return &MeterProvider{provider: provider, exporter: exporter, registry: registry}, nil
}

func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "meter", mp.provider.Shutdown)
}

// Registry returns the Prometheus registry that holds every exported metric
func (mp *MeterProvider) Registry() *prometheus.Registry {
	return mp.registry
}

// TracerProvider wraps the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider installs a global tracer provider exporting over OTLP.
func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	target, err := resolveTarget(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}
	exporter, err := newTraceExporter(context.Background(), target)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "tracer", tp.provider.Shutdown)
}

// LoggerProvider wraps the OpenTelemetry logger provider
type LoggerProvider struct {
	provider *log.LoggerProvider
}

// InitLoggerProvider builds an OTLP logger provider. It is not installed
// globally; the slog bridge in internal/logging receives it explicitly.
func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	target, err := resolveTarget(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}
	exporter, err := newLogExporter(context.Background(), target)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	)
	return &LoggerProvider{provider: provider}, nil
}

func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "logger", lp.provider.Shutdown)
}

// Provider returns the underlying logger provider
func (lp *LoggerProvider) Provider() *log.LoggerProvider {
	return lp.provider
}
