package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/kingrea/missionctl"

// OTelSettings selects the OpenTelemetry exporters.
//
//	Enabled   install SDK providers (otherwise no-op providers)
//	Stdout    pretty-print spans and metrics to stdout
//	Endpoint  OTLP/HTTP metrics endpoint (host:port)
type OTelSettings struct {
	Enabled     bool
	Stdout      bool
	Endpoint    string
	ServiceName string
	Version     string
}

var shutdownFns []func(context.Context) error

// InitOTel configures the global OTel providers. When settings.Enabled is
// false no-op providers are installed and nothing is exported.
func InitOTel(ctx context.Context, settings OTelSettings) error {
	if !settings.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	name := settings.ServiceName
	if name == "" {
		name = "missionctl"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(settings.Version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if settings.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	mp, err := buildMeterProvider(ctx, res, settings)
	if err != nil {
		return fmt.Errorf("telemetry: meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

func buildMeterProvider(ctx context.Context, res *resource.Resource, settings OTelSettings) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if settings.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		))
	}
	if endpoint := strings.TrimSpace(settings.Endpoint); endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)),
		))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// ShutdownOTel flushes and stops the providers installed by InitOTel.
func ShutdownOTel(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

// OTelSink records each stage event as a counter increment, a duration
// histogram sample (completed/failed only) and a zero-length span.
type OTelSink struct {
	tracer      trace.Tracer
	transitions metric.Int64Counter
	durations   metric.Float64Histogram
}

// NewOTelSink builds instruments from meter and tracer. Nil arguments fall
// back to the global providers.
func NewOTelSink(meter metric.Meter, tracer trace.Tracer) (*OTelSink, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationScope)
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationScope)
	}
	transitions, err := meter.Int64Counter("missionctl.stage.transitions",
		metric.WithDescription("Accepted mission stage transitions."),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: transitions counter: %w", err)
	}
	durations, err := meter.Float64Histogram("missionctl.stage.duration",
		metric.WithDescription("Stage duration at completion or failure."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	return &OTelSink{tracer: tracer, transitions: transitions, durations: durations}, nil
}

// Emit records the event.
func (s *OTelSink) Emit(ctx context.Context, name string, payload Payload) error {
	stageID, _ := payload.EventData["stage"].(string)
	attrs := []attribute.KeyValue{
		attribute.String("mission.id", payload.MissionID),
		attribute.String("tenant.id", payload.TenantID),
		attribute.String("stage", stageID),
		attribute.String("event", name),
	}
	set := metric.WithAttributes(attrs...)
	s.transitions.Add(ctx, 1, set)
	if d, ok := payload.EventData["duration"].(int64); ok {
		s.durations.Record(ctx, float64(d), set)
	}
	_, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	span.End()
	return nil
}
