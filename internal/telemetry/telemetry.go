// Package telemetry wires OpenTelemetry tracing and metrics for the
// client. Traces and metrics are exported to rotating files under the
// log directory so they can be inspected without a collector; an OTEL
// collector can still pick them up via the SDK.
package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "companion-client"

// Metrics bundles the wire-level counters. It satisfies the connection
// manager's Metrics interface.
type Metrics struct {
	framesIn   metric.Int64Counter
	framesOut  metric.Int64Counter
	decodeErrs metric.Int64Counter
	reconnects metric.Int64Counter
}

// FrameReceived counts one decoded inbound frame.
func (m *Metrics) FrameReceived(frameType string) {
	m.framesIn.Add(context.Background(), 1, metric.WithAttributes(attribute.String("frame.type", frameType)))
}

// FrameSent counts one outbound frame.
func (m *Metrics) FrameSent(frameType string) {
	m.framesOut.Add(context.Background(), 1, metric.WithAttributes(attribute.String("frame.type", frameType)))
}

// DecodeFailure counts one dropped malformed frame.
func (m *Metrics) DecodeFailure() {
	m.decodeErrs.Add(context.Background(), 1)
}

// ReconnectScheduled counts one scheduled reconnect attempt.
func (m *Metrics) ReconnectScheduled() {
	m.reconnects.Add(context.Background(), 1)
}

// Init sets up tracing and metrics with file exporters under logDir.
// The returned shutdown function flushes both providers.
func Init(ctx context.Context, logDir string) (trace.Tracer, *Metrics, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "create resource")
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, nil, errors.Wrap(err, "create log directory")
	}

	traceFile := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "companion_traces.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(traceFile),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "create trace exporter")
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "companion_metrics.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(metricsFile),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "create metric exporter")
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(10*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer(serviceName)
	meter := mp.Meter(serviceName)

	metrics, err := newMetrics(meter)
	if err != nil {
		return nil, nil, nil, err
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
		_ = mp.Shutdown(shutdownCtx)
	}
	return tracer, metrics, shutdown, nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.framesIn, err = meter.Int64Counter("wire.frames.received",
		metric.WithDescription("Inbound frames decoded from the transport")); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	if m.framesOut, err = meter.Int64Counter("wire.frames.sent",
		metric.WithDescription("Outbound frames serialized onto the transport")); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	if m.decodeErrs, err = meter.Int64Counter("wire.frames.decode_failures",
		metric.WithDescription("Malformed inbound frames dropped")); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	if m.reconnects, err = meter.Int64Counter("conn.reconnects.scheduled",
		metric.WithDescription("Reconnect attempts scheduled after transport loss")); err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return m, nil
}
