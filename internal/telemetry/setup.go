package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
	// MetricInterval is how often metrics are pushed. Defaults to 30s.
	MetricInterval time.Duration
	// MetricReader replaces the OTLP metric exporter when set.
	MetricReader sdkmetric.Reader
}

// Setup installs OTLP tracer and meter providers when an endpoint is
// configured (or a MetricReader is given). Call it before NewMetrics. The
// returned func flushes and stops both.
func Setup(ctx context.Context, cfg Config, logger zerolog.Logger) func(context.Context) error {
	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}
	if cfg.Endpoint == "" && cfg.MetricReader == nil {
		return shutdown
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		logger.Warn().Err(err).Msg("otel resource")
	}

	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			logger.Error().Err(err).Msg("otel trace exporter")
		} else {
			provider := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exporter),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(provider)
			shutdowns = append(shutdowns, provider.Shutdown)
		}
	}

	reader := cfg.MetricReader
	if reader == nil {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			logger.Error().Err(err).Msg("otel metric exporter")
			return shutdown
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meters)
	shutdowns = append(shutdowns, meters.Shutdown)
	return shutdown
}
