package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

type Observability struct {
	meterProvider *metric.MeterProvider
	meter         otelmetric.Meter
	ingested      otelmetric.Int64Counter
	duplicates    otelmetric.Int64Counter
	stale         otelmetric.Int64Counter
	pollCycles    otelmetric.Int64Counter
	pollDuration  otelmetric.Float64Histogram
	ackFailures   otelmetric.Int64Counter
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	ingested, _ := meter.Int64Counter(
		"messages.ingested",
		otelmetric.WithDescription("Messages accepted by the ingestion multiplexer"),
	)
	duplicates, _ := meter.Int64Counter(
		"messages.duplicates",
		otelmetric.WithDescription("Incoming messages resolved as duplicates"),
	)
	stale, _ := meter.Int64Counter(
		"poll.stale_responses",
		otelmetric.WithDescription("Poll responses discarded as superseded"),
	)
	pollCycles, _ := meter.Int64Counter(
		"poll.cycles",
		otelmetric.WithDescription("Completed poll cycles"),
	)
	pollDuration, _ := meter.Float64Histogram(
		"poll.duration",
		otelmetric.WithDescription("Poll request duration"),
		otelmetric.WithUnit("ms"),
	)
	ackFailures, _ := meter.Int64Counter(
		"readstate.ack_failures",
		otelmetric.WithDescription("Failed read acknowledgments"),
	)

	return &Observability{
		meterProvider: provider,
		meter:         meter,
		ingested:      ingested,
		duplicates:    duplicates,
		stale:         stale,
		pollCycles:    pollCycles,
		pollDuration:  pollDuration,
		ackFailures:   ackFailures,
	}
}

// Noop returns an Observability that records nothing. Used by tests and by
// callers that run without a metrics endpoint.
func Noop() *Observability {
	return &Observability{}
}

func (o *Observability) RecordIngested(ctx context.Context, source string) {
	if o.ingested != nil {
		o.ingested.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("source", source),
		))
	}
}

func (o *Observability) RecordDuplicate(ctx context.Context) {
	if o.duplicates != nil {
		o.duplicates.Add(ctx, 1)
	}
}

func (o *Observability) RecordStaleResponse(ctx context.Context) {
	if o.stale != nil {
		o.stale.Add(ctx, 1)
	}
}

func (o *Observability) RecordPollCycle(ctx context.Context, status string, duration time.Duration) {
	if o.pollCycles != nil {
		o.pollCycles.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
	if o.pollDuration != nil {
		o.pollDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

func (o *Observability) RecordAckFailure(ctx context.Context) {
	if o.ackFailures != nil {
		o.ackFailures.Add(ctx, 1)
	}
}

func (o *Observability) Shutdown() {
	if o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
