package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	m, err := newMetrics(mp.Meter("test"))
	require.NoError(t, err)

	assert.NotNil(t, m.attemptDuration)
	assert.NotNil(t, m.callDuration)
	assert.NotNil(t, m.attempts)
	assert.NotNil(t, m.retriesExhausted)
	assert.NotNil(t, m.breakerRejections)
	assert.NotNil(t, m.breakerTransitions)
}

func TestMetrics_Record(t *testing.T) {
	tests := []struct {
		name   string
		record func(*metrics, context.Context)
	}{
		{
			name: "given attempt, then records duration and count",
			record: func(m *metrics, ctx context.Context) {
				m.recordAttempt(ctx, 100*time.Millisecond, []attribute.KeyValue{
					attribute.String("destination", "pricing"),
					attribute.String("class", "success"),
				})
			},
		},
		{
			name: "given call duration, then records it",
			record: func(m *metrics, ctx context.Context) {
				m.recordCallDuration(ctx, 250*time.Millisecond, nil)
			},
		},
		{
			name: "given exhausted retries, then records them",
			record: func(m *metrics, ctx context.Context) {
				m.recordRetriesExhausted(ctx, nil)
			},
		},
		{
			name: "given breaker rejection, then records it",
			record: func(m *metrics, ctx context.Context) {
				m.recordBreakerRejection(ctx, nil)
			},
		},
		{
			name: "given breaker transition, then records it with states",
			record: func(m *metrics, ctx context.Context) {
				m.recordBreakerTransition(ctx, StateClosed, StateOpen, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := sdkmetric.NewManualReader()
			mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
			defer mp.Shutdown(context.Background())

			m, err := newMetrics(mp.Meter("test"))
			require.NoError(t, err)

			ctx := context.Background()
			tt.record(m, ctx)

			var rm metricdata.ResourceMetrics
			require.NoError(t, reader.Collect(ctx, &rm))
			assert.NotEmpty(t, rm.ScopeMetrics)
		})
	}
}

func TestMetrics_NilSafety(t *testing.T) {
	ctx := context.Background()

	t.Run("given nil metrics, then record calls do not panic", func(t *testing.T) {
		var m *metrics
		assert.NotPanics(t, func() {
			m.recordAttempt(ctx, time.Second, nil)
			m.recordCallDuration(ctx, time.Second, nil)
			m.recordRetriesExhausted(ctx, nil)
			m.recordBreakerRejection(ctx, nil)
			m.recordBreakerTransition(ctx, StateClosed, StateOpen, nil)
		})
	})

	t.Run("given zero-value metrics, then record calls do not panic", func(t *testing.T) {
		m := &metrics{}
		assert.NotPanics(t, func() {
			m.recordAttempt(ctx, time.Second, nil)
			m.recordCallDuration(ctx, time.Second, nil)
			m.recordRetriesExhausted(ctx, nil)
			m.recordBreakerRejection(ctx, nil)
			m.recordBreakerTransition(ctx, StateClosed, StateOpen, nil)
		})
	})
}

func TestRegisterPoolMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	pool := newConnPool([]string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections:      2,
		SweepInterval:       -1,
		HealthCheckInterval: -1,
	}, zerolog.Nop())
	defer pool.close()

	reg, err := registerPoolMetrics(mp.Meter("test"), pool, []attribute.KeyValue{
		attribute.String("destination", "pricing"),
	})
	require.NoError(t, err)
	defer reg.Unregister()

	conn, err := pool.acquire(context.Background(), true)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), gaugeValue(t, rm, "upstream.pool.connections.in_use"))
	assert.Equal(t, int64(0), gaugeValue(t, rm, "upstream.pool.connections.idle"))

	pool.release(conn, ClassSuccess)
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(0), gaugeValue(t, rm, "upstream.pool.connections.in_use"))
	assert.Equal(t, int64(1), gaugeValue(t, rm, "upstream.pool.connections.idle"))
}

// gaugeValue extracts the single data point of an int64 gauge by name.
func gaugeValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "metric %s is not an int64 gauge", name)
			require.Len(t, gauge.DataPoints, 1)
			return gauge.DataPoints[0].Value
		}
	}
	t.Fatalf("metric %s not collected", name)
	return 0
}
