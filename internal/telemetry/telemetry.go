// Package telemetry wires OpenTelemetry tracing and metrics for PAM.
// A tracer provider is initialized once at boot; MAVLink protocol
// operations (bulk parameter set/get, reboot verification, FTP
// download) open child spans from it so a stalled operation is visible
// in a trace, and a handful of counters/histograms track proxy and
// petal activity on the global OpenTelemetry meter. Init installs no
// meter provider or metric exporter, so these instruments are not
// exported anywhere; in particular they are not served on /metrics.
package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Tracer is the global application tracer, set by Init.
	Tracer trace.Tracer

	// Meter is the global application meter, set by Init.
	Meter metric.Meter

	MAVLinkFramesReceived  metric.Int64Counter
	MAVLinkFramesDropped   metric.Int64Counter
	ParamsBulkLatency      metric.Float64Histogram
	FTPBytesTransferred    metric.Int64Counter
	PetalsLoaded           metric.Int64UpDownCounter
	CommandDispatchLatency metric.Float64Histogram
)

// Init initializes the OpenTelemetry SDK: a resource describing this
// service, an OTLP/gRPC trace exporter, and the package-level
// Tracer/Meter plus every domain metric. The returned func flushes and
// shuts the trace provider down and should be deferred by the caller.
func Init(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[telemetry] initialized, exporting to %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

func initMetrics() error {
	var err error

	MAVLinkFramesReceived, err = Meter.Int64Counter(
		"pam.mavlink.frames_received",
		metric.WithDescription("MAVLink frames read off the link"),
	)
	if err != nil {
		return err
	}

	MAVLinkFramesDropped, err = Meter.Int64Counter(
		"pam.mavlink.frames_dropped",
		metric.WithDescription("MAVLink frames dropped because the inbound buffer was full"),
	)
	if err != nil {
		return err
	}

	ParamsBulkLatency, err = Meter.Float64Histogram(
		"pam.mavlink.params_bulk_latency",
		metric.WithDescription("Latency of bulk parameter set/get operations"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	FTPBytesTransferred, err = Meter.Int64Counter(
		"pam.mavlink.ftp_bytes_transferred",
		metric.WithDescription("Bytes transferred via the MAVLink FTP microprotocol"),
	)
	if err != nil {
		return err
	}

	PetalsLoaded, err = Meter.Int64UpDownCounter(
		"pam.petals.loaded",
		metric.WithDescription("Number of currently loaded petals"),
	)
	if err != nil {
		return err
	}

	CommandDispatchLatency, err = Meter.Float64Histogram(
		"pam.cmdaction.dispatch_latency",
		metric.WithDescription("Latency of command-action dispatch from ingress to response"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}
