package telemetry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/polisai/polis-governance/pkg/config"
)

const (
	exporterDialTimeout = 10 * time.Second
	spanBatchSize       = 256
	spanBatchTimeout    = 5 * time.Second
)

// reservedResourceKeys are owned by the governor; configured resource attributes
// cannot override them.
var reservedResourceKeys = map[string]struct{}{
	string(semconv.ServiceNameKey):           {},
	string(semconv.ServiceInstanceIDKey):     {},
	string(semconv.DeploymentEnvironmentKey): {},
}

// Tracing owns the tracer provider installed by SetupTracing.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// Enabled reports whether spans are exported.
func (t *Tracing) Enabled() bool {
	return t != nil && t.provider != nil
}

// Shutdown flushes buffered authorization, evaluation and audit spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// SetupTracing exports governor spans over OTLP/gRPC when an endpoint is
// configured and installs the provider process-wide. Without an endpoint spans
// stay on the no-op global provider.
func SetupTracing(ctx context.Context, cfg config.TelemetryConfig, instanceID string) (*Tracing, error) {
	if cfg.OTLPEndpoint == "" {
		return &Tracing{}, nil
	}

	res, err := GovernorResource(ctx, cfg, instanceID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, exporterDialTimeout)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(exporterOptions(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter for %s: %w", cfg.OTLPEndpoint, err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(spanBatchSize),
			sdktrace.WithBatchTimeout(spanBatchTimeout),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return &Tracing{provider: provider}, nil
}

// GovernorResource identifies this governor instance on exported spans. Extra
// resource attributes from the config are added in key order and win over
// OTEL_RESOURCE_ATTRIBUTES.
func GovernorResource(ctx context.Context, cfg config.TelemetryConfig, instanceID string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if instanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(instanceID))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for _, key := range slices.Sorted(maps.Keys(cfg.ResourceAttributes)) {
		if _, reserved := reservedResourceKeys[key]; reserved {
			continue
		}
		attrs = append(attrs, attribute.String(key, cfg.ResourceAttributes[key]))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: governor resource: %w", err)
	}
	return res, nil
}

// Sampler samples ratio of root spans and follows the parent otherwise. Ratios
// outside (0, 1) sample everything.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func exporterOptions(cfg config.TelemetryConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithReturnConnectionError()), //nolint:staticcheck // surfaces dial errors without grpc.WithBlock
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return opts
}
