// Package otel configures OpenTelemetry tracing and metrics for relay
// processes.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/frorz1/wss/internal/platform/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls trace and metric export. Endpoint is the collector base
// URL, such as http://collector:4318.
type Config struct {
	Endpoint   string `env:"OTEL_ENDPOINT"`
	Enabled    bool   `env:"OTEL_ENABLED" envDefault:"true"`
	InstanceID string `env:"WORKER_ID"`
}

// LoadConfig reads RELAY_OTEL_ENDPOINT, RELAY_OTEL_ENABLED and
// RELAY_WORKER_ID.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Setup initialises tracing and metrics for serviceName.
//
// Telemetry is opt-in: with no endpoint, or Enabled false, Setup returns a
// no-op shutdown and registers no global provider. The returned shutdown
// flushes pending spans and metrics and should be deferred by the caller.
func Setup(ctx context.Context, serviceName string, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !cfg.Enabled || endpoint == "" {
		return noop, nil
	}
	target, err := url.Parse(endpoint)
	if err != nil || target.Host == "" {
		return noop, fmt.Errorf("invalid otel endpoint %q", endpoint)
	}
	insecure := target.Scheme != "https"

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.Host)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target.Host)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return noop, err
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return noop, err
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	}
	if id := strings.TrimSpace(cfg.InstanceID); id != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(id)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
