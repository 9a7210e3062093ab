// Package telemetry provides OpenTelemetry metrics for the engine.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	BUNSANE_OTEL_ENABLED=true   enable metrics (default: off)
//
// Metrics export through a periodic stdout reader; wire a different reader
// by installing your own meter provider before Init.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/bunsane/bunsane"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (BUNSANE_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("BUNSANE_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When BUNSANE_OTEL_ENABLED is not
// "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
	)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Shutdown flushes and stops the installed providers.
func Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range shutdownFns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	shutdownFns = nil
	return firstErr
}

// Meter returns a meter for the given scope, defaulting to the engine scope.
func Meter(scope string) metric.Meter {
	if scope == "" {
		scope = instrumentationScope
	}
	return otel.GetMeterProvider().Meter(scope)
}
