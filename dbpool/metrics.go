package dbpool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the pool's metric instruments. All record methods are
// safe to call on a nil receiver or with unregistered instruments, so a
// failed registration degrades to no metrics rather than panics.
type metrics struct {
	opDuration      metric.Float64Histogram
	acquireDuration metric.Float64Histogram

	active    metric.Int64ObservableGauge
	idle      metric.Int64ObservableGauge
	waiters   metric.Int64ObservableGauge
	rotations metric.Int64ObservableCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.opDuration, err = meter.Float64Histogram(
		"db.client.operation.duration",
		metric.WithDescription("Duration of session operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.acquireDuration, err = meter.Float64Histogram(
		"db.pool.acquire.duration",
		metric.WithDescription("Time spent acquiring a session, including waiting, in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordOp records the duration and status of one session operation.
func (m *metrics) recordOp(
	ctx context.Context,
	duration time.Duration,
	operation string,
	attrs []attribute.KeyValue,
	err error,
) {
	if m == nil || m.opDuration == nil {
		return
	}

	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, attrs...)
	if operation != "" {
		all = append(all, attribute.String("db.operation", operation))
	}
	all = append(all, statusAttr(err))

	m.opDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(all...))
}

// recordAcquire records one Acquire, successful or not.
func (m *metrics) recordAcquire(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
	err error,
) {
	if m == nil || m.acquireDuration == nil {
		return
	}

	all := make([]attribute.KeyValue, 0, len(attrs)+1)
	all = append(all, attrs...)
	all = append(all, statusAttr(err))

	m.acquireDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(all...))
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}

// registerOccupancy registers the observable occupancy instruments,
// reading a Stats snapshot per collection.
func (m *metrics) registerOccupancy(
	meter metric.Meter,
	statsFn func() Stats,
	attrs []attribute.KeyValue,
) error {
	if m == nil || meter == nil {
		return nil
	}
	var err error

	m.active, err = meter.Int64ObservableGauge(
		"db.pool.sessions.active",
		metric.WithDescription("Number of sessions currently held by callers"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	m.idle, err = meter.Int64ObservableGauge(
		"db.pool.sessions.idle",
		metric.WithDescription("Number of idle sessions in the pool"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	m.waiters, err = meter.Int64ObservableGauge(
		"db.pool.waiters",
		metric.WithDescription("Number of callers blocked waiting for a session"),
		metric.WithUnit("{caller}"),
	)
	if err != nil {
		return err
	}

	m.rotations, err = meter.Int64ObservableCounter(
		"db.pool.rotations",
		metric.WithDescription("Sessions retired for reaching their maximum age"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			st := statsFn()
			opt := metric.WithAttributes(attrs...)

			o.ObserveInt64(m.active, int64(st.Active), opt)
			o.ObserveInt64(m.idle, int64(st.Idle), opt)
			o.ObserveInt64(m.waiters, int64(st.Waiting), opt)
			o.ObserveInt64(m.rotations, int64(st.Rotations), opt)
			return nil
		},
		m.active, m.idle, m.waiters, m.rotations,
	)
	return err
}
