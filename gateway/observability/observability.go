// Package observability implements the gateway.Observer contract on top
// of OpenTelemetry spans and instruments plus the Prometheus collector.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/infergate/infergate/gateway"
	"github.com/infergate/infergate/internal/metrics"
)

const instrumentationName = "github.com/infergate/infergate/gateway"

// Observer emits one chat.request span per dispatch, one chat.attempt
// event per provider try, and mirrors the counters into Prometheus.
type Observer struct {
	tracer    trace.Tracer
	meter     metric.Meter
	collector *metrics.Collector
	logger    *zap.Logger

	requests  metric.Int64Counter
	attempts  metric.Int64Counter
	latency   metric.Float64Histogram
	tokens    metric.Int64Counter
	healthTrs metric.Int64Counter
}

// New builds an Observer against the global OTel providers. collector may
// be nil when Prometheus exposure is disabled.
func New(collector *metrics.Collector, logger *zap.Logger) (*Observer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		collector: collector,
		logger:    logger,
	}

	var err error
	if o.requests, err = o.meter.Int64Counter("gateway.requests",
		metric.WithDescription("Chat completion requests by terminal outcome")); err != nil {
		return nil, err
	}
	if o.attempts, err = o.meter.Int64Counter("gateway.attempts",
		metric.WithDescription("Provider attempts by outcome")); err != nil {
		return nil, err
	}
	if o.latency, err = o.meter.Float64Histogram("gateway.attempt.latency",
		metric.WithDescription("Provider attempt latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.tokens, err = o.meter.Int64Counter("gateway.tokens",
		metric.WithDescription("Tokens consumed per provider and direction")); err != nil {
		return nil, err
	}
	if o.healthTrs, err = o.meter.Int64Counter("gateway.health.transitions",
		metric.WithDescription("Provider health state transitions")); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Observer) RequestStart(ctx context.Context, model string, stream bool) (context.Context, func(outcome string)) {
	ctx, span := o.tracer.Start(ctx, "chat.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("gateway.model", model),
			attribute.Bool("gateway.stream", stream),
		),
	)
	return ctx, func(outcome string) {
		span.SetAttributes(attribute.String("gateway.outcome", outcome))
		if outcome != gateway.OutcomeSuccess {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		o.requests.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("model", model),
				attribute.String("outcome", outcome),
				attribute.Bool("stream", stream),
			),
		)
		if o.collector != nil {
			o.collector.RecordRequest(model, outcome, stream)
		}
	}
}

func (o *Observer) AttemptDone(ctx context.Context, provider, model, outcome string, latency time.Duration) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("chat.attempt", trace.WithAttributes(
			attribute.String("gateway.provider", provider),
			attribute.String("gateway.model", model),
			attribute.String("gateway.outcome", outcome),
			attribute.Float64("gateway.latency_s", latency.Seconds()),
		))
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)
	o.attempts.Add(context.Background(), 1, attrs)
	if latency > 0 {
		o.latency.Record(context.Background(), latency.Seconds(),
			metric.WithAttributes(attribute.String("provider", provider)))
	}
	if o.collector != nil {
		o.collector.RecordAttempt(provider, outcome, latency)
		if outcome == gateway.OutcomeSkipQuota {
			o.collector.RecordQuotaRejection(provider)
		}
	}
}

func (o *Observer) TokensUsed(provider string, prompt, completion int) {
	if prompt > 0 {
		o.tokens.Add(context.Background(), int64(prompt),
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("direction", "prompt"),
			))
	}
	if completion > 0 {
		o.tokens.Add(context.Background(), int64(completion),
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("direction", "completion"),
			))
	}
	if o.collector != nil {
		o.collector.RecordTokens(provider, prompt, completion)
	}
}

func (o *Observer) HealthChanged(provider string, healthy bool) {
	state := "unhealthy"
	if healthy {
		state = "healthy"
	}
	o.healthTrs.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to_state", state),
		))
	if o.collector != nil {
		o.collector.RecordHealthTransition(provider, healthy)
	}
	o.logger.Info("provider health transition",
		zap.String("provider", provider),
		zap.String("to_state", state),
	)
}
