package tracing

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

var ServiceName = "receiptbox"

// InitTraceProvider installs a global tracer provider exporting to the
// collector named by OTEL_GRPC_ENDPOINT or OTEL_JAEGER_ENDPOINT. With neither
// set the otel no-op provider stays in place.
func InitTraceProvider(servicename string) (shutdown func(), err error) {
	ServiceName = servicename
	shutdown = func() {}

	var exp sdktrace.SpanExporter
	switch {
	case os.Getenv("OTEL_GRPC_ENDPOINT") != "":
		exp, err = otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(os.Getenv("OTEL_GRPC_ENDPOINT")),
			otlptracegrpc.WithHeaders(map[string]string{
				"Authorization": os.Getenv("OTEL_AUTH_KEY"),
			}),
		)
		if err != nil {
			return shutdown, err
		}
		log.Info().Msg("New GRPC TraceProvider")
	case os.Getenv("OTEL_JAEGER_ENDPOINT") != "":
		exp, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(os.Getenv("OTEL_JAEGER_ENDPOINT"))))
		if err != nil {
			return shutdown, err
		}
		log.Info().Msg("New Jaeger TraceProvider")
	default:
		log.Debug().Msg("No trace exporter configured")
		return shutdown, nil
	}

	environment := os.Getenv("OTEL_ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(servicename),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	shutdown = func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Trace provider shutdown")
		}
	}
	return shutdown, nil
}

func NewSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, name)
}
