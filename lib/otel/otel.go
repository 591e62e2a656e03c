// Package otel wires the OpenTelemetry SDK: OTLP gRPC exporters for
// metrics, traces and logs, plus Go runtime instrumentation. Exporter
// endpoints come from the standard OTEL_EXPORTER_OTLP_* environment
// variables.
package otel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Provider holds the configured telemetry pipelines for the process.
type Provider struct {
	// Enabled reports whether telemetry is exported. When false, Meter
	// and LogHandler are nil and Shutdown is a no-op.
	Enabled bool

	// Meter creates instruments for the process.
	Meter metric.Meter

	// LogHandler bridges slog records into the OTLP log pipeline.
	LogHandler slog.Handler

	shutdownFns []func(context.Context) error
}

// Setup initializes the OTel SDK. When enabled is false it returns an
// inert provider so callers never branch on telemetry configuration.
func Setup(ctx context.Context, serviceName string, enabled bool) (*Provider, error) {
	if !enabled {
		return &Provider{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	p := &Provider{Enabled: true}

	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(meterProvider)
	p.Meter = meterProvider.Meter(serviceName)
	p.shutdownFns = append(p.shutdownFns, meterProvider.Shutdown)

	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tracerProvider)
	p.shutdownFns = append(p.shutdownFns, tracerProvider.Shutdown)

	logExporter, err := otlploggrpc.New(ctx)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	p.LogHandler = otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(loggerProvider))
	p.shutdownFns = append(p.shutdownFns, loggerProvider.Shutdown)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	return p, nil
}

// Shutdown flushes and stops every pipeline started by Setup.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdownFns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdownFns = nil
	return errors.Join(errs...)
}
