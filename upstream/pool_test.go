package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPool builds a pool with background sweeps disabled so tests drive
// eviction and health checks explicitly.
func newTestPool(t *testing.T, endpoints []string, cfg PoolConfig) *connPool {
	t.Helper()

	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = -1
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = -1
	}
	p := newConnPool(endpoints, cfg, zerolog.Nop())
	t.Cleanup(p.close)
	return p
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()

	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultMaxOverflow, cfg.MaxOverflow)
	assert.Equal(t, DefaultMaxIdleTime, cfg.MaxIdleTime)
	assert.Equal(t, DefaultHealthCheckInterval, cfg.HealthCheckInterval)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultFailoverStreak, cfg.FailoverStreak)
	assert.Equal(t, FailoverSticky, cfg.FailoverPolicy)
	assert.Equal(t, DefaultProbePath, cfg.ProbePath)
	assert.Equal(t, DefaultProbeTimeout, cfg.ProbeTimeout)
}

func TestNormalizePoolConfig(t *testing.T) {
	t.Run("given zero config, then applies defaults", func(t *testing.T) {
		cfg := normalizePoolConfig(PoolConfig{})

		assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
		assert.Equal(t, DefaultMaxOverflow, cfg.MaxOverflow)
		assert.Equal(t, DefaultMaxIdleTime, cfg.MaxIdleTime)
		assert.Equal(t, DefaultFailoverStreak, cfg.FailoverStreak)
	})

	t.Run("given negative overflow, then disables overflow", func(t *testing.T) {
		cfg := normalizePoolConfig(PoolConfig{MaxOverflow: -1})

		assert.Equal(t, 0, cfg.MaxOverflow)
	})

	t.Run("given negative sweep intervals, then keeps them disabled", func(t *testing.T) {
		cfg := normalizePoolConfig(PoolConfig{SweepInterval: -1, HealthCheckInterval: -1})

		assert.Equal(t, time.Duration(-1), cfg.SweepInterval)
		assert.Equal(t, time.Duration(-1), cfg.HealthCheckInterval)
	})
}

func TestConnPool_AcquireCreatesUpToCap(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections: 2,
		MaxOverflow:    1,
	})

	var conns []*pooledConn
	for i := 0; i < 3; i++ {
		conn, err := p.acquire(context.Background(), true)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	stats := p.stats()
	assert.Equal(t, 3, stats.InUse)
	assert.Equal(t, uint64(3), stats.TotalCreated)

	// The cap is reached: a fourth caller waits until its context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.acquire(ctx, true)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, ClassPoolExhausted, ClassOf(err))
	assert.Equal(t, 0, p.stats().Waiting)

	for _, conn := range conns {
		p.release(conn, ClassSuccess)
	}
}

func TestConnPool_ReleaseReturnsConnectionToIdle(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{MaxConnections: 2})

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	p.release(conn, ClassSuccess)

	stats := p.stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)

	reused, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	assert.Same(t, conn, reused)
	assert.Equal(t, int64(2), reused.usageCount)
	p.release(reused, ClassSuccess)
}

func TestConnPool_DoubleReleaseIsNoOp(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{MaxConnections: 2})

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)

	p.release(conn, ClassSuccess)
	p.release(conn, ClassSuccess)
	p.release(nil, ClassSuccess)

	stats := p.stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, uint64(0), stats.TotalDestroyed)
}

func TestConnPool_OverflowDestroyedOnRelease(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections: 1,
		MaxOverflow:    1,
	})

	first, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	second, err := p.acquire(context.Background(), true)
	require.NoError(t, err)

	assert.False(t, first.overflow)
	assert.True(t, second.overflow)

	p.release(second, ClassSuccess)
	stats := p.stats()
	assert.Equal(t, 0, stats.Idle, "overflow connections are closed, not idled")
	assert.Equal(t, uint64(1), stats.TotalDestroyed)

	p.release(first, ClassSuccess)
	assert.Equal(t, 1, p.stats().Idle)
}

func TestConnPool_ConnectionErrorDestroysConnection(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{MaxConnections: 2})

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)

	p.release(conn, ClassConnectionError)

	stats := p.stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, uint64(1), stats.TotalDestroyed)
}

func TestConnPool_TimeoutKeepsConnection(t *testing.T) {
	// A timeout counts toward the failure streak but does not prove the
	// connection channel dead, so the connection returns to the idle set.
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{MaxConnections: 2})

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)

	p.release(conn, ClassTimeout)

	assert.Equal(t, 1, p.stats().Idle)
	assert.Equal(t, 1, p.states["http://a.internal:8080"].failStreak)
}

func TestConnPool_FailoverAfterStreak(t *testing.T) {
	primary := "http://a.internal:8080"
	secondary := "http://b.internal:8080"
	p := newTestPool(t, []string{primary, secondary}, PoolConfig{
		MaxConnections: 2,
		FailoverStreak: 2,
	})

	for i := 0; i < 2; i++ {
		conn, err := p.acquire(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, primary, conn.endpoint)
		p.release(conn, ClassConnectionError)
	}

	stats := p.stats()
	assert.Equal(t, secondary, stats.CurrentEndpoint)
	assert.Equal(t, uint64(1), stats.Failovers)

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, secondary, conn.endpoint)
	p.release(conn, ClassSuccess)
}

func TestConnPool_CompletedExchangeResetsStreak(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080", "http://b.internal:8080"}, PoolConfig{
		MaxConnections: 2,
		FailoverStreak: 2,
	})

	release := func(class Class) {
		conn, err := p.acquire(context.Background(), true)
		require.NoError(t, err)
		p.release(conn, class)
	}

	release(ClassConnectionError)
	// A 5xx is a completed exchange: the endpoint is reachable.
	release(ClassServerError)
	release(ClassConnectionError)

	stats := p.stats()
	assert.Equal(t, "http://a.internal:8080", stats.CurrentEndpoint)
	assert.Equal(t, uint64(0), stats.Failovers)
}

func TestConnPool_StickyFailoverStaysOnSecondary(t *testing.T) {
	primary := "http://a.internal:8080"
	secondary := "http://b.internal:8080"
	p := newTestPool(t, []string{primary, secondary}, PoolConfig{
		MaxConnections: 2,
		FailoverStreak: 1,
	})

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	p.release(conn, ClassConnectionError)
	require.Equal(t, secondary, p.currentEndpoint())

	// A fresh call still draws from the secondary under the sticky policy.
	conn, err = p.acquire(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, secondary, conn.endpoint)
	p.release(conn, ClassSuccess)
}

func TestConnPool_FreshPerCallPrefersPrimary(t *testing.T) {
	primary := "http://a.internal:8080"
	secondary := "http://b.internal:8080"
	p := newTestPool(t, []string{primary, secondary}, PoolConfig{
		MaxConnections: 4,
		FailoverStreak: 1,
		FailoverPolicy: FailoverFreshPerCall,
	})

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	p.release(conn, ClassConnectionError)
	require.Equal(t, secondary, p.currentEndpoint())

	fresh, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, primary, fresh.endpoint)

	retry, err := p.acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, secondary, retry.endpoint)

	p.release(fresh, ClassSuccess)
	p.release(retry, ClassSuccess)
}

func TestConnPool_BlockedAcquireWakesOnRelease(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections: 1,
		MaxOverflow:    -1,
	})

	held, err := p.acquire(context.Background(), true)
	require.NoError(t, err)

	type result struct {
		conn *pooledConn
		err  error
	}
	got := make(chan result, 1)
	go func() {
		conn, err := p.acquire(context.Background(), true)
		got <- result{conn, err}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.stats().Waiting)

	p.release(held, ClassSuccess)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Same(t, held, r.conn)
		p.release(r.conn, ClassSuccess)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not woken by release")
	}
}

func TestConnPool_CloseWakesWaiters(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections: 1,
		MaxOverflow:    -1,
	})

	held, err := p.acquire(context.Background(), true)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := p.acquire(context.Background(), true)
		got <- err
	}()
	time.Sleep(50 * time.Millisecond)

	p.close()

	select {
	case err := <-got:
		require.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not woken by close")
	}

	_, err = p.acquire(context.Background(), true)
	require.ErrorIs(t, err, ErrClientClosed)

	// The held connection is destroyed on release after close.
	p.release(held, ClassSuccess)
	assert.Equal(t, uint64(1), p.stats().TotalDestroyed)
}

func TestConnPool_EvictIdle(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections: 2,
		MaxIdleTime:    time.Minute,
	})
	now := time.Now()
	p.now = func() time.Time { return now }

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	p.release(conn, ClassSuccess)
	require.Equal(t, 1, p.stats().Idle)

	now = now.Add(30 * time.Second)
	p.evictIdle()
	assert.Equal(t, 1, p.stats().Idle, "young connections survive the sweep")

	now = now.Add(2 * time.Minute)
	p.evictIdle()
	stats := p.stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, uint64(1), stats.TotalDestroyed)
}

func TestConnPool_StaleIdleDestroyedOnAcquire(t *testing.T) {
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections: 2,
		MaxIdleTime:    time.Minute,
	})
	now := time.Now()
	p.now = func() time.Time { return now }

	stale, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	p.release(stale, ClassSuccess)

	now = now.Add(2 * time.Minute)
	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	assert.NotSame(t, stale, conn)

	stats := p.stats()
	assert.Equal(t, uint64(2), stats.TotalCreated)
	assert.Equal(t, uint64(1), stats.TotalDestroyed)
	p.release(conn, ClassSuccess)
}

func TestConnPool_ConcurrentLoadRespectsCap(t *testing.T) {
	const (
		maxConns    = 3
		maxOverflow = 2
		workers     = 15
		iterations  = 20
	)
	p := newTestPool(t, []string{"http://a.internal:8080"}, PoolConfig{
		MaxConnections: maxConns,
		MaxOverflow:    maxOverflow,
	})

	var (
		inflight atomic.Int64
		peak     atomic.Int64
		wg       sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				conn, err := p.acquire(context.Background(), true)
				if !assert.NoError(t, err) {
					return
				}
				cur := inflight.Add(1)
				for {
					prev := peak.Load()
					if cur <= prev || peak.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inflight.Add(-1)
				p.release(conn, ClassSuccess)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxConns+maxOverflow))
	stats := p.stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Waiting)
}

func TestConnPool_HealthCheckNow(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t, []string{srv.URL}, PoolConfig{MaxConnections: 2})

	conn, err := p.acquire(context.Background(), true)
	require.NoError(t, err)
	p.release(conn, ClassSuccess)
	require.Equal(t, 1, p.stats().Idle)

	// Connection creation must be strictly before the sweep start timestamp.
	time.Sleep(10 * time.Millisecond)
	p.healthCheckNow(context.Background())
	assert.Equal(t, 1, p.stats().Idle, "healthy connections survive the probe")

	fail.Store(true)
	time.Sleep(10 * time.Millisecond)
	p.healthCheckNow(context.Background())
	stats := p.stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, uint64(1), stats.TotalDestroyed)
}

func TestConnPool_HealthCheckSkipsInUseConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestPool(t, []string{srv.URL}, PoolConfig{MaxConnections: 2})

	held, err := p.acquire(context.Background(), true)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	p.healthCheckNow(context.Background())

	stats := p.stats()
	assert.Equal(t, 1, stats.InUse, "in-use connections are never probed")
	assert.Equal(t, uint64(0), stats.TotalDestroyed)
	p.release(held, ClassSuccess)
}

func TestFailoverPolicy_String(t *testing.T) {
	assert.Equal(t, "sticky", FailoverSticky.String())
	assert.Equal(t, "fresh-per-call", FailoverFreshPerCall.String())
	assert.Equal(t, "unknown", FailoverPolicy(99).String())
}
