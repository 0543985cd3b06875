package observability

import (
	"context"
	"fmt"

	"clinicflow/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Version is stamped at build time with -ldflags "-X ...observability.Version=".
var Version = "dev"

// TracingConfig describes one process's tracer.
type TracingConfig struct {
	ServiceName string
	Version     string
	Environment string
	// OTLP gRPC collector address. Empty keeps spans in-process: trace ids
	// are still minted and carried on job rows, nothing is exported.
	Endpoint    string
	SampleRatio float64
}

// TracingFromConfig builds the tracer settings for service from cfg.
func TracingFromConfig(cfg *config.Config, service string) TracingConfig {
	return TracingConfig{
		ServiceName: service,
		Version:     Version,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	}
}

// Propagator carries trace context and baggage. Jobs store its output in
// their trace carrier so a worker span joins the trace of whoever enqueued.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// InjectJobTrace returns the carrier to persist on a job enqueued under ctx.
func InjectJobTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractJobTrace restores the enqueuer's trace context from a job's carrier.
func ExtractJobTrace(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// NewTracerProvider builds a provider for tc without installing it.
func NewTracerProvider(ctx context.Context, tc TracingConfig) (*sdktrace.TracerProvider, error) {
	if tc.SampleRatio < 0 || tc.SampleRatio > 1 {
		return nil, fmt.Errorf("trace sample ratio must be within [0, 1], got %v", tc.SampleRatio)
	}

	res, err := resource.New(
		ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(tc.ServiceName),
			semconv.ServiceVersion(tc.Version),
			semconv.DeploymentEnvironmentName(tc.Environment),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))),
	}
	if tc.Endpoint != "" {
		// The gRPC connection is lazy; an unreachable collector only drops spans.
		exporter, err := otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(tc.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// InitTracer installs the global trace provider and propagator.
// It returns a shutdown function that flushes pending spans.
func InitTracer(ctx context.Context, tc TracingConfig) (func(context.Context) error, error) {
	tp, err := NewTracerProvider(ctx, tc)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator())
	return tp.Shutdown, nil
}
