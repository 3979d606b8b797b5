package obs

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
)

// Instruments holds the common counters/histograms/gauges every component
// records through. Components that need more than this set obtain their
// own named instruments from otel.Meter(Tracer) directly.
type Instruments struct {
	QueueDepth          metric.Int64Gauge
	DispatchLatency     metric.Float64Histogram
	CircuitTransitions  metric.Int64Counter
	SchedulerScore      metric.Float64Histogram
	RecoveryActionsTotal metric.Int64Counter
}

// InitMetrics configures a push-based OTLP metrics pipeline. Returns a
// shutdown func and the common instrument set; never fails hard.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, instr Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewSchemaless())
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint, "service", service)
	return mp.Shutdown, createInstruments()
}

func createInstruments() Instruments {
	meter := otel.Meter(Tracer)
	depth, _ := meter.Int64Gauge("taskcore_queue_depth")
	latency, _ := meter.Float64Histogram("taskcore_dispatch_latency_ms")
	circuit, _ := meter.Int64Counter("taskcore_circuit_transitions_total")
	score, _ := meter.Float64Histogram("taskcore_scheduler_score")
	recovery, _ := meter.Int64Counter("taskcore_recovery_actions_total")
	return Instruments{
		QueueDepth:           depth,
		DispatchLatency:      latency,
		CircuitTransitions:   circuit,
		SchedulerScore:       score,
		RecoveryActionsTotal: recovery,
	}
}
