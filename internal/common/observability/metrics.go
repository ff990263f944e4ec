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
	meterProvider     *metric.MeterProvider
	meter             otelmetric.Meter
	transitionCounter otelmetric.Int64Counter
	webhookCounter    otelmetric.Int64Counter
	activationCounter otelmetric.Int64Counter
	requestDuration   otelmetric.Float64Histogram
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

	transitionCounter, _ := meter.Int64Counter(
		"onboarding.transitions",
		otelmetric.WithDescription("Number of committed lifecycle transitions"),
	)

	webhookCounter, _ := meter.Int64Counter(
		"onboarding.webhooks",
		otelmetric.WithDescription("Number of gateway confirmations processed"),
	)

	activationCounter, _ := meter.Int64Counter(
		"onboarding.activations",
		otelmetric.WithDescription("Number of franchisee accounts activated"),
	)

	requestDuration, _ := meter.Float64Histogram(
		"onboarding.request.duration",
		otelmetric.WithDescription("Request processing duration"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider:     provider,
		meter:             meter,
		transitionCounter: transitionCounter,
		webhookCounter:    webhookCounter,
		activationCounter: activationCounter,
		requestDuration:   requestDuration,
	}
}

// RecordTransition counts one committed lifecycle transition by from/to pair.
func (o *Observability) RecordTransition(ctx context.Context, from, to string) {
	if o.transitionCounter != nil {
		o.transitionCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

// RecordWebhook counts one processed gateway confirmation by outcome.
func (o *Observability) RecordWebhook(ctx context.Context, outcome string) {
	if o.webhookCounter != nil {
		o.webhookCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}

// RecordActivation counts one account activation. Exactly one increment per
// franchisee is the invariant the reconciler tests observe.
func (o *Observability) RecordActivation(ctx context.Context) {
	if o.activationCounter != nil {
		o.activationCounter.Add(ctx, 1)
	}
}

func (o *Observability) RecordRequestDuration(ctx context.Context, duration time.Duration, route, status string) {
	if o.requestDuration != nil {
		o.requestDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("route", route),
			attribute.String("status", status),
		))
	}
}

func (o *Observability) Shutdown() {
	if o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
