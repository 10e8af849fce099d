package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracing owns the TracerProvider used for session spans.
type Tracing struct {
	Provider *sdktrace.TracerProvider
	Shutdown func(context.Context) error
}

// Tracer returns the session tracer.
func (t *Tracing) Tracer() trace.Tracer {
	return t.Provider.Tracer("devicecap/session")
}

// NewTracing builds a TracerProvider exporting over OTLP/gRPC to endpoint.
// endpoint may be host:port or a URL; only the host:port is dialed. An empty
// endpoint yields a provider with no exporter. https endpoints use TLS
// unless insecureOverride is set.
func NewTracing(ctx context.Context, endpoint, serviceName string, insecureOverride bool) (*Tracing, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &Tracing{
			Provider: sdktrace.NewTracerProvider(),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(u.Host)}
	if insecureOverride || u.Scheme != "https" {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return &Tracing{Provider: tp, Shutdown: tp.Shutdown}, nil
}

// SetGlobal installs the provider as the otel global.
func (t *Tracing) SetGlobal() {
	if t.Provider != nil {
		otel.SetTracerProvider(t.Provider)
	}
}
