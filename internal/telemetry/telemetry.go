// Package telemetry wires OpenTelemetry tracing and metrics around the
// proxy's upstream calls, modeled on the framework's telemetry.OTelProvider
// (telemetry/otel.go): a TracerProvider/MeterProvider pair, a handful of
// named instruments, and a StartSpan helper components can call without
// depending on the SDK directly.
//
// Unlike the framework's provider, this one registers no OTLP exporter:
// the proxy's External Interfaces (spec.md §6) don't name a collector
// endpoint, and none of the retrieval pack's OTLP exporter packages are
// part of this module's dependency surface. Spans and metric instruments
// are still real SDK objects -- they record and can be read back via
// in-process readers (e.g. in tests) -- they simply have nowhere
// configured to ship to until an exporter is added.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "doublebufferproxy"

// Provider bundles the tracer, meter, and the instruments the engine and
// proxy handler record against.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	checkpointOutcomes metric.Int64Counter
	swapHits           metric.Int64Counter
	upstreamCalls      metric.Int64Counter
	checkpointLatency  metric.Float64Histogram
}

// New builds a Provider with in-process SDK providers and sets them as
// the global otel providers, mirroring NewOTelProvider's "set global
// providers" step so any component can otel.Tracer(instrumentationName)
// without a reference.
func New() (*Provider, error) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(instrumentationName)

	checkpointOutcomes, err := meter.Int64Counter(
		"doublebufferproxy.checkpoint.outcomes",
		metric.WithDescription("Count of checkpoint attempts by outcome (success, error, cancelled, too_small)"),
	)
	if err != nil {
		return nil, err
	}
	swapHits, err := meter.Int64Counter(
		"doublebufferproxy.swap.hits",
		metric.WithDescription("Count of compact requests served from a pre-computed checkpoint"),
	)
	if err != nil {
		return nil, err
	}
	upstreamCalls, err := meter.Int64Counter(
		"doublebufferproxy.upstream.calls",
		metric.WithDescription("Count of upstream HTTP calls by purpose (forward, checkpoint)"),
	)
	if err != nil {
		return nil, err
	}
	checkpointLatency, err := meter.Float64Histogram(
		"doublebufferproxy.checkpoint.latency_ms",
		metric.WithDescription("Wall-clock duration of checkpoint attempts, successful or not"),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{
		tracer:             tp.Tracer(instrumentationName),
		meter:              meter,
		traceProvider:      tp,
		metricProvider:     mp,
		checkpointOutcomes: checkpointOutcomes,
		swapHits:           swapHits,
		upstreamCalls:      upstreamCalls,
		checkpointLatency:  checkpointLatency,
	}, nil
}

// StartSpan starts a span named name, child of any span already in ctx.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name)
}

// RecordCheckpointOutcome increments the checkpoint-outcome counter and
// latency histogram for one completed attempt.
func (p *Provider) RecordCheckpointOutcome(ctx context.Context, outcome string, duration time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.checkpointOutcomes.Add(ctx, 1, attrs)
	p.checkpointLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordSwapHit increments the swap-hit counter.
func (p *Provider) RecordSwapHit(ctx context.Context) {
	if p == nil {
		return
	}
	p.swapHits.Add(ctx, 1)
}

// RecordUpstreamCall increments the upstream-call counter for purpose
// ("forward" or "checkpoint").
func (p *Provider) RecordUpstreamCall(ctx context.Context, purpose string) {
	if p == nil {
		return
	}
	p.upstreamCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose)))
}

// Shutdown flushes and releases the underlying SDK providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.metricProvider.Shutdown(ctx)
}
