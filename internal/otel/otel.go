// Package otel configures OpenTelemetry tracing for the spaces service.
package otel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config holds the tracing settings.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string
	Insecure bool
	Logger   logr.Logger
}

// Init installs the global tracer provider and propagator. The returned func
// flushes and stops the exporter. With no endpoint, Init does nothing and the
// global no-op tracer stays in place.
func Init(ctx context.Context, c Config) (context.Context, func(), error) {
	if c.Endpoint == "" {
		return ctx, func() {}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(c.ServiceName)))
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to create OpenTelemetry service name resource: %w", err)
	}

	retryPolicy := `{
		"methodConfig": [{
			"retryPolicy": {
				"MaxAttempts": 5,
				"InitialBackoff": ".1s",
				"MaxBackoff": "1s",
				"BackoffMultiplier": 2.0,
				"RetryableStatusCodes": [ "UNAVAILABLE" ]
			}
		}]
	}`
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(c.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithDefaultServiceConfig(retryPolicy)),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
			MaxElapsedTime:  5 * time.Minute,
		}),
	}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to configure OTLP exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)
	otel.SetLogger(c.Logger)
	otel.SetErrorHandler(c)

	return ctx, func() {
		sctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		// shutting down the provider also shuts down the batcher's exporter
		if err := tp.Shutdown(sctx); err != nil {
			c.Logger.Info("shutdown of OpenTelemetry tracer provider failed", "err", err)
		}
	}, nil
}

// Handle implements otel.ErrorHandler.
func (c Config) Handle(err error) {
	if err != nil {
		c.Logger.Info("OpenTelemetry error", "err", err)
	}
}

// ContextWithEnvTraceparent continues the trace named by the TRACEPARENT
// environment variable, if set. It does not depend on Init having run.
func ContextWithEnvTraceparent(ctx context.Context) context.Context {
	tp := os.Getenv("TRACEPARENT")
	if tp == "" {
		return ctx
	}

	return propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier{"traceparent": tp})
}
