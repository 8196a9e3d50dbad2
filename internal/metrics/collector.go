package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the gateway's Prometheus metrics. Each Collector
// owns its registry so tests can build them independently.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Dispatch engine
	requestsTotal   *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	healthTransits  *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the gateway metrics under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "metrics")),
	}
	factory := promauto.With(c.registry)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by terminal outcome",
		},
		[]string{"model", "outcome", "stream"},
	)

	c.attemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Provider attempts by outcome, including cooldown and quota skips",
		},
		[]string{"provider", "outcome"},
	)

	c.attemptLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_latency_seconds",
			Help:      "Provider attempt latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	c.tokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed per provider and direction",
		},
		[]string{"provider", "direction"},
	)

	c.healthTransits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Provider health state transitions",
		},
		[]string{"provider", "to_state"},
	)

	c.quotaRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Candidates skipped because the client-side quota window was full",
		},
		[]string{"provider"},
	)

	return c
}

// Registry exposes the collector's registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordHTTPRequest records one inbound HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRequest records the terminal outcome of one dispatch.
func (c *Collector) RecordRequest(model, outcome string, stream bool) {
	c.requestsTotal.WithLabelValues(model, outcome, strconv.FormatBool(stream)).Inc()
}

// RecordAttempt records one provider attempt.
func (c *Collector) RecordAttempt(provider, outcome string, latency time.Duration) {
	c.attemptsTotal.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		c.attemptLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// RecordTokens records token consumption for one attempt.
func (c *Collector) RecordTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		c.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// RecordHealthTransition records a provider flipping health state.
func (c *Collector) RecordHealthTransition(provider string, healthy bool) {
	state := "unhealthy"
	if healthy {
		state = "healthy"
	}
	c.healthTransits.WithLabelValues(provider, state).Inc()
}

// RecordQuotaRejection records a candidate skipped by the quota veto.
func (c *Collector) RecordQuotaRejection(provider string) {
	c.quotaRejections.WithLabelValues(provider).Inc()
}
