package upstream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for resilient client operations.
type metrics struct {
	// attemptDuration measures individual network attempts in seconds.
	// Buckets optimized for HTTP latencies per OTel semconv.
	attemptDuration metric.Float64Histogram

	// callDuration measures whole Execute calls in seconds, including
	// backoff sleeps between attempts.
	callDuration metric.Float64Histogram

	// attempts counts network attempts by outcome class.
	attempts metric.Int64Counter

	// retriesExhausted counts calls that failed after using their whole
	// attempt budget. A high value indicates downstream service issues.
	retriesExhausted metric.Int64Counter

	// breakerRejections counts calls rejected without network activity
	// because the breaker was open or probing.
	breakerRejections metric.Int64Counter

	// breakerTransitions counts circuit breaker state transitions.
	breakerTransitions metric.Int64Counter
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.attemptDuration, err = meter.Float64Histogram(
		"upstream.client.attempt.duration",
		metric.WithDescription("Duration of individual network attempts in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.callDuration, err = meter.Float64Histogram(
		"upstream.client.call.duration",
		metric.WithDescription("Duration of whole calls including retries in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
		),
	)
	if err != nil {
		return nil, err
	}

	m.attempts, err = meter.Int64Counter(
		"upstream.client.attempts",
		metric.WithDescription("Number of network attempts by outcome class"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.retriesExhausted, err = meter.Int64Counter(
		"upstream.client.retry.exhausted",
		metric.WithDescription("Number of calls that used their whole attempt budget and failed"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerRejections, err = meter.Int64Counter(
		"upstream.client.breaker.rejections",
		metric.WithDescription("Number of calls rejected by an open circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerTransitions, err = meter.Int64Counter(
		"upstream.client.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordAttempt records one network attempt: duration histogram plus the
// per-class counter.
func (m *metrics) recordAttempt(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil {
		return
	}
	if m.attemptDuration != nil {
		m.attemptDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// recordCallDuration records the duration of a whole Execute call.
func (m *metrics) recordCallDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.callDuration == nil {
		return
	}
	m.callDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordRetriesExhausted records a call that failed with no budget left.
func (m *metrics) recordRetriesExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.retriesExhausted == nil {
		return
	}
	m.retriesExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordBreakerRejection records a call the breaker refused locally.
func (m *metrics) recordBreakerRejection(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.breakerRejections == nil {
		return
	}
	m.breakerRejections.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordBreakerTransition records a state transition.
func (m *metrics) recordBreakerTransition(
	ctx context.Context,
	from, to BreakerState,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.breakerTransitions == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs,
		attribute.String("breaker.from", from.String()),
		attribute.String("breaker.to", to.String()),
	)
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// registerPoolMetrics registers observable gauges that snapshot pool
// occupancy on every metric collection. The returned registration must be
// unregistered when the client closes.
func registerPoolMetrics(meter metric.Meter, pool *connPool, attrs []attribute.KeyValue) (metric.Registration, error) {
	inUse, err := meter.Int64ObservableGauge(
		"upstream.pool.connections.in_use",
		metric.WithDescription("Number of pooled connections currently held by callers"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	idle, err := meter.Int64ObservableGauge(
		"upstream.pool.connections.idle",
		metric.WithDescription("Number of pooled connections sitting idle"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	waiting, err := meter.Int64ObservableGauge(
		"upstream.pool.waiters",
		metric.WithDescription("Number of callers blocked waiting for a connection"),
		metric.WithUnit("{caller}"),
	)
	if err != nil {
		return nil, err
	}

	failovers, err := meter.Int64ObservableCounter(
		"upstream.pool.failovers",
		metric.WithDescription("Number of endpoint failovers"),
		metric.WithUnit("{failover}"),
	)
	if err != nil {
		return nil, err
	}

	opts := metric.WithAttributes(attrs...)
	return meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			s := pool.stats()
			o.ObserveInt64(inUse, int64(s.InUse), opts)
			o.ObserveInt64(idle, int64(s.Idle), opts)
			o.ObserveInt64(waiting, int64(s.Waiting), opts)
			o.ObserveInt64(failovers, int64(s.Failovers), opts)
			return nil
		},
		inUse, idle, waiting, failovers,
	)
}
