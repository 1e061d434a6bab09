package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

// Instruments holds the counters and histograms shared across components.
type Instruments struct {
	RequestsDispatched  metric.Int64Counter
	TransferCoalesced   metric.Int64Counter
	TransferBytes       metric.Int64Counter
	RetryAttempts       metric.Int64Counter
	CircuitOpenTotal    metric.Int64Counter
	VersionsReclaimed   metric.Int64Counter
	QueueDepth          metric.Int64Gauge
	DispatchLatencyMs   metric.Float64Histogram
}

// Shutdown is returned by Init and flushes tracer/meter providers.
type Shutdown func(context.Context)

// Init sets up the global tracer and meter providers against the OTLP
// gRPC endpoint named by OTEL_EXPORTER_OTLP_ENDPOINT (default
// localhost:4317), mirroring otelinit.InitTracer/InitMetrics.
func Init(ctx context.Context, service string) (Instruments, Shutdown) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	dialOpts := []grpc.DialOption{grpc.WithInsecure()}

	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		"",
		attribute.String("service.name", service),
	))

	traceShutdown := func(context.Context) error { return nil }
	if texp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithDialOption(dialOpts...)); err != nil {
		slog.Warn("otel tracer init failed", "error", err)
	} else {
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(texp), sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		traceShutdown = tp.Shutdown
	}

	metricShutdown := func(context.Context) error { return nil }
	mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if mexp, err := otlpmetricgrpc.New(mctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithDialOption(dialOpts...)); err != nil {
		slog.Warn("otel metrics init failed", "error", err)
	} else {
		reader := sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(10*time.Second))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		metricShutdown = mp.Shutdown
	}

	inst := newInstruments()
	return inst, func(ctx context.Context) {
		fctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_ = traceShutdown(fctx)
		_ = metricShutdown(fctx)
	}
}

func newInstruments() Instruments {
	meter := otel.Meter("compss-runtime")
	dispatched, _ := meter.Int64Counter("compss_accessproc_requests_total")
	coalesced, _ := meter.Int64Counter("compss_transfer_coalesced_total")
	bytes_, _ := meter.Int64Counter("compss_transfer_bytes_total")
	retries, _ := meter.Int64Counter("compss_resilience_retry_attempts_total")
	circuitOpen, _ := meter.Int64Counter("compss_resilience_circuit_open_total")
	reclaimed, _ := meter.Int64Counter("compss_gc_versions_reclaimed_total")
	depth, _ := meter.Int64Gauge("compss_accessproc_queue_depth")
	latency, _ := meter.Float64Histogram("compss_accessproc_dispatch_latency_ms")
	return Instruments{
		RequestsDispatched: dispatched,
		TransferCoalesced:  coalesced,
		TransferBytes:      bytes_,
		RetryAttempts:      retries,
		CircuitOpenTotal:   circuitOpen,
		VersionsReclaimed:  reclaimed,
		QueueDepth:         depth,
		DispatchLatencyMs:  latency,
	}
}

// Tracer returns the runtime's named tracer.
func Tracer() interface {
	Start(ctx context.Context, name string) (context.Context, func())
} {
	return tracerAdapter{}
}

type tracerAdapter struct{}

func (tracerAdapter) Start(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := otel.Tracer("compss-runtime").Start(ctx, name)
	return ctx, span.End
}
