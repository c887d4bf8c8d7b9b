package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/bottomline/reportcache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type ShutdownFunc func()

// New installs a global tracer provider that exports spans to the OTLP/HTTP
// collector at otlpServerURL. An empty URL installs nothing and returns a
// no-op shutdown.
func New(ctx context.Context, log logger.Logger, otlpServerURL string, authToken string, serviceName string) (ShutdownFunc, error) {
	if otlpServerURL == "" {
		return func() {}, nil
	}
	otlpURL, err := url.Parse(otlpServerURL)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing otlp url")
	}
	if otlpURL.Scheme != "http" && otlpURL.Scheme != "https" {
		return nil, errors.Newf("unsupported otlp url scheme %q", otlpURL.Scheme)
	}
	otlpURL.Path = "/v1/traces"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		log.Warn("partial telemetry resource: %s", err)
	} else if err != nil {
		return nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(otlpURL.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(time.Second * 10),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if otlpURL.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "error creating trace exporter")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	log.Debug("exporting traces to %s", otlpURL.Host)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Warn("error shutting down tracer provider: %s", err)
		}
	}, nil
}
