package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FailoverPolicy controls how endpoint selection behaves after a failover.
type FailoverPolicy int

const (
	// FailoverSticky stays on the endpoint the pool failed over to until
	// that endpoint trips its own failure streak. This is the default.
	FailoverSticky FailoverPolicy = iota

	// FailoverFreshPerCall prefers the primary endpoint again at the start
	// of every new call, at the cost of re-discovering a dead primary with
	// one failed attempt per call.
	FailoverFreshPerCall
)

// String returns the string representation of the policy.
func (p FailoverPolicy) String() string {
	switch p {
	case FailoverSticky:
		return "sticky"
	case FailoverFreshPerCall:
		return "fresh-per-call"
	default:
		return "unknown"
	}
}

// Default values for PoolConfig.
const (
	// DefaultMaxConnections is the default steady-state pool size.
	DefaultMaxConnections = 10

	// DefaultMaxOverflow is the default number of burst connections
	// allowed beyond MaxConnections.
	DefaultMaxOverflow = 5

	// DefaultMaxIdleTime is the default idle lifetime of a pooled
	// connection before the sweep closes it.
	DefaultMaxIdleTime = 5 * time.Minute

	// DefaultHealthCheckInterval is the default period between idle
	// connection probe sweeps.
	DefaultHealthCheckInterval = 60 * time.Second

	// DefaultSweepInterval is the default period between idle-expiry
	// sweeps.
	DefaultSweepInterval = 30 * time.Second

	// DefaultFailoverStreak is the default number of consecutive
	// connect/timeout failures on the current endpoint before the pool
	// advances to the next one.
	DefaultFailoverStreak = 3

	// DefaultProbePath is the default path probed during health sweeps.
	DefaultProbePath = "/"

	// DefaultProbeTimeout is the default per-probe deadline.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultDialTimeout is the default TCP connect timeout.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the default TCP keep-alive period.
	DefaultKeepAlive = 30 * time.Second

	// DefaultTLSHandshakeTimeout is the default TLS handshake deadline.
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// PoolConfig configures the per-destination connection pool.
// Use DefaultPoolConfig() for balanced defaults, then modify as needed.
type PoolConfig struct {
	// MaxConnections is the steady-state cap on pooled connections for
	// the destination, across all of its endpoints.
	// Default: 10
	MaxConnections int

	// MaxOverflow is the number of additional connections that may be
	// created under burst load. Overflow connections are closed when
	// released instead of returning to the idle set.
	// Default: 5, negative disables overflow
	MaxOverflow int

	// MaxIdleTime is how long a connection may sit idle before the sweep
	// closes it.
	// Default: 5m
	MaxIdleTime time.Duration

	// HealthCheckInterval is the period between probe sweeps over idle
	// connections. Negative disables the background health sweep.
	// Default: 60s
	HealthCheckInterval time.Duration

	// SweepInterval is the period between idle-expiry sweeps.
	// Negative disables the background idle sweep.
	// Default: 30s
	SweepInterval time.Duration

	// FailoverStreak is the number of consecutive connect/timeout
	// failures on the current endpoint that triggers failover to the next
	// endpoint in the destination's list.
	// Default: 3
	FailoverStreak int

	// FailoverPolicy controls endpoint preference after a failover.
	// Default: FailoverSticky
	FailoverPolicy FailoverPolicy

	// ProbePath is the path health sweeps issue a HEAD request against.
	// Default: "/"
	ProbePath string

	// ProbeTimeout bounds each individual health probe.
	// Default: 5s
	ProbeTimeout time.Duration

	// DialTimeout bounds TCP connection establishment.
	// Default: 10s
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive period for pooled connections.
	// Default: 30s
	KeepAlive time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// TLSConfig is an optional TLS configuration applied to every
	// connection's transport.
	TLSConfig *tls.Config
}

// DefaultPoolConfig returns balanced defaults for general use.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:      DefaultMaxConnections,
		MaxOverflow:         DefaultMaxOverflow,
		MaxIdleTime:         DefaultMaxIdleTime,
		HealthCheckInterval: DefaultHealthCheckInterval,
		SweepInterval:       DefaultSweepInterval,
		FailoverStreak:      DefaultFailoverStreak,
		FailoverPolicy:      FailoverSticky,
		ProbePath:           DefaultProbePath,
		ProbeTimeout:        DefaultProbeTimeout,
		DialTimeout:         DefaultDialTimeout,
		KeepAlive:           DefaultKeepAlive,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
	}
}

func normalizePoolConfig(cfg PoolConfig) PoolConfig {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxOverflow == 0 {
		cfg.MaxOverflow = DefaultMaxOverflow
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = DefaultMaxIdleTime
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.FailoverStreak <= 0 {
		cfg.FailoverStreak = DefaultFailoverStreak
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = DefaultProbePath
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}
	return cfg
}

// pooledConn is one dedicated connection channel to one endpoint. Each has
// its own single-connection transport, so the pool's accounting maps 1:1 to
// real network connections. A pooledConn is exclusively owned between
// acquire and release.
type pooledConn struct {
	id        string
	endpoint  string
	transport *http.Transport

	createdAt   time.Time
	lastUsed    time.Time
	lastChecked time.Time
	usageCount  int64
	healthy     bool
	overflow    bool
}

func (c *pooledConn) close() {
	c.transport.CloseIdleConnections()
}

// endpointState tracks the pool's view of a single endpoint.
type endpointState struct {
	endpoint   string
	idle       []*pooledConn
	inUse      map[*pooledConn]struct{}
	failStreak int
}

// PoolStats is a snapshot of pool occupancy and lifetime counters.
type PoolStats struct {
	// CurrentEndpoint is the endpoint new connections are drawn from.
	CurrentEndpoint string
	// InUse is the number of connections currently held by callers.
	InUse int
	// Idle is the number of connections waiting in the pool.
	Idle int
	// Waiting is the number of callers blocked in acquire.
	Waiting int
	// TotalCreated counts connections opened over the pool's lifetime.
	TotalCreated uint64
	// TotalDestroyed counts connections closed over the pool's lifetime.
	TotalDestroyed uint64
	// Failovers counts endpoint advances over the pool's lifetime.
	Failovers uint64
}

// connPool manages dedicated connections to a destination's endpoints:
// validated idle reuse, creation below the size cap, bounded waiting,
// idle expiry and health sweeps, and endpoint failover. The mutex is never
// held across network I/O.
type connPool struct {
	cfg       PoolConfig
	endpoints []string
	log       zerolog.Logger

	mu        sync.Mutex
	states    map[string]*endpointState
	current   int
	total     int
	waiting   int
	closed    bool
	created   uint64
	destroyed uint64
	failovers uint64

	// free receives one token per freed slot (release or destroy) so a
	// blocked acquire can re-check. Tokens beyond the channel capacity are
	// dropped, which is safe: the buffer holds one per possible slot.
	free chan struct{}
	done chan struct{}

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup

	now func() time.Time
}

func newConnPool(endpoints []string, cfg PoolConfig, log zerolog.Logger) *connPool {
	cfg = normalizePoolConfig(cfg)

	p := &connPool{
		cfg:       cfg,
		endpoints: endpoints,
		log:       log,
		states:    make(map[string]*endpointState, len(endpoints)),
		free:      make(chan struct{}, cfg.MaxConnections+cfg.MaxOverflow),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	for _, ep := range endpoints {
		p.states[ep] = &endpointState{
			endpoint: ep,
			inUse:    make(map[*pooledConn]struct{}),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.sweepCancel = cancel
	if cfg.SweepInterval > 0 {
		p.sweepWG.Add(1)
		go p.idleSweepLoop(ctx)
	}
	if cfg.HealthCheckInterval > 0 {
		p.sweepWG.Add(1)
		go p.healthSweepLoop(ctx)
	}
	return p
}

// acquire returns a connection to the currently preferred endpoint. fresh
// marks the first attempt of a new call, which matters only under
// FailoverFreshPerCall. When the pool is at capacity the caller waits until
// a slot frees or ctx expires, in which case the error is ErrPoolExhausted.
func (p *connPool) acquire(ctx context.Context, fresh bool) (*pooledConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClientClosed
		}

		st := p.states[p.pickEndpointLocked(fresh)]

		// Validated idle reuse, newest first.
		for len(st.idle) > 0 {
			conn := st.idle[len(st.idle)-1]
			st.idle = st.idle[:len(st.idle)-1]
			if !conn.healthy || p.now().Sub(conn.lastUsed) > p.cfg.MaxIdleTime {
				p.destroyLocked(conn)
				continue
			}
			st.inUse[conn] = struct{}{}
			conn.usageCount++
			p.mu.Unlock()
			return conn, nil
		}

		// Create while below the destination-wide cap.
		if p.total < p.cfg.MaxConnections+p.cfg.MaxOverflow {
			conn := p.createLocked(st)
			st.inUse[conn] = struct{}{}
			conn.usageCount++
			p.mu.Unlock()
			return conn, nil
		}

		p.waiting++
		p.mu.Unlock()

		select {
		case <-p.free:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
		case <-p.done:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			return nil, ErrClientClosed
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, ctx.Err())
		}
	}
}

// release returns a connection after an attempt classified as class.
// It is idempotent: releasing a connection that is not in use is a no-op.
// Overflow connections and connections whose attempt revealed a dead
// channel are closed instead of idled.
func (p *connPool) release(conn *pooledConn, class Class) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[conn.endpoint]
	if !ok {
		return
	}
	if _, held := st.inUse[conn]; !held {
		// Double release: never corrupt accounting.
		return
	}
	delete(st.inUse, conn)
	conn.lastUsed = p.now()

	p.recordOutcomeLocked(st, conn, class)

	if p.closed || conn.overflow || !conn.healthy {
		p.destroyLocked(conn)
		return
	}
	st.idle = append(st.idle, conn)
	p.signalLocked()
}

// recordOutcomeLocked updates the endpoint failure streak and advances the
// current endpoint once the streak trips. Any completed HTTP exchange
// (including 4xx/5xx) proves the endpoint reachable and resets the streak.
func (p *connPool) recordOutcomeLocked(st *endpointState, conn *pooledConn, class Class) {
	switch class {
	case ClassConnectionError, ClassTimeout:
		if class == ClassConnectionError {
			conn.healthy = false
		}
		st.failStreak++
		if st.failStreak >= p.cfg.FailoverStreak && st.endpoint == p.endpoints[p.current] && len(p.endpoints) > 1 {
			st.failStreak = 0
			from := p.endpoints[p.current]
			p.current = (p.current + 1) % len(p.endpoints)
			p.failovers++
			p.log.Info().
				Str("from", from).
				Str("to", p.endpoints[p.current]).
				Msg("endpoint failover")
		}
	default:
		st.failStreak = 0
	}
}

func (p *connPool) pickEndpointLocked(fresh bool) string {
	if fresh && p.cfg.FailoverPolicy == FailoverFreshPerCall {
		return p.endpoints[0]
	}
	return p.endpoints[p.current]
}

// currentEndpoint reports where new connections are drawn from.
func (p *connPool) currentEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.current]
}

func (p *connPool) createLocked(st *endpointState) *pooledConn {
	now := p.now()
	conn := &pooledConn{
		id:       uuid.NewString(),
		endpoint: st.endpoint,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   p.cfg.DialTimeout,
				KeepAlive: p.cfg.KeepAlive,
			}).DialContext,
			TLSClientConfig:     p.cfg.TLSConfig,
			TLSHandshakeTimeout: p.cfg.TLSHandshakeTimeout,
			ForceAttemptHTTP2:   true,
			// One real connection per pooledConn, so pool accounting
			// matches what is on the wire.
			MaxConnsPerHost:     1,
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     p.cfg.MaxIdleTime,
		},
		createdAt:   now,
		lastUsed:    now,
		lastChecked: now,
		healthy:     true,
		overflow:    p.total >= p.cfg.MaxConnections,
	}
	p.total++
	p.created++
	return conn
}

func (p *connPool) destroyLocked(conn *pooledConn) {
	conn.close()
	p.total--
	p.destroyed++
	p.signalLocked()
}

func (p *connPool) signalLocked() {
	select {
	case p.free <- struct{}{}:
	default:
	}
}

// evictIdle closes idle connections unused for longer than MaxIdleTime.
// The background sweep calls this every SweepInterval; it is also safe to
// call directly.
func (p *connPool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, ep := range p.endpoints {
		st := p.states[ep]
		kept := st.idle[:0]
		for _, conn := range st.idle {
			if now.Sub(conn.lastUsed) > p.cfg.MaxIdleTime {
				p.destroyLocked(conn)
				continue
			}
			kept = append(kept, conn)
		}
		st.idle = kept
	}
}

// healthCheckNow probes every idle connection once with a HEAD request on
// the configured probe path, closing connections that fail. Connections are
// reserved one at a time and the pool lock is released while the probe is
// on the network, so callers are never blocked behind a slow probe.
func (p *connPool) healthCheckNow(ctx context.Context) {
	start := p.now()
	for _, ep := range p.endpoints {
		for {
			conn := p.reserveUnchecked(ep, start)
			if conn == nil {
				break
			}

			healthy := p.probe(ctx, conn)

			p.mu.Lock()
			st := p.states[ep]
			conn.lastChecked = p.now()
			if healthy && !p.closed {
				st.idle = append(st.idle, conn)
				// Wake anyone who started waiting while this conn was
				// reserved for probing.
				p.signalLocked()
				p.mu.Unlock()
				continue
			}
			conn.healthy = false
			p.destroyLocked(conn)
			p.mu.Unlock()
			p.log.Warn().
				Str("endpoint", ep).
				Str("conn_id", conn.id).
				Msg("health probe failed, closing connection")
		}
	}
}

// reserveUnchecked removes and returns one idle connection on ep not
// yet probed this sweep, or nil when none remain.
func (p *connPool) reserveUnchecked(ep string, sweepStart time.Time) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.states[ep]
	for i, conn := range st.idle {
		if conn.lastChecked.Before(sweepStart) {
			st.idle = append(st.idle[:i], st.idle[i+1:]...)
			return conn
		}
	}
	return nil
}

func (p *connPool) probe(ctx context.Context, conn *pooledConn) bool {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodHead, conn.endpoint+p.cfg.ProbePath, nil)
	if err != nil {
		return false
	}
	resp, err := conn.transport.RoundTrip(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (p *connPool) idleSweepLoop(ctx context.Context) {
	defer p.sweepWG.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *connPool) healthSweepLoop(ctx context.Context) {
	defer p.sweepWG.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthCheckNow(ctx)
		}
	}
}

// stats returns an occupancy snapshot.
func (p *connPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		CurrentEndpoint: p.endpoints[p.current],
		Waiting:         p.waiting,
		TotalCreated:    p.created,
		TotalDestroyed:  p.destroyed,
		Failovers:       p.failovers,
	}
	for _, st := range p.states {
		s.InUse += len(st.inUse)
		s.Idle += len(st.idle)
	}
	return s
}

// close stops the sweeps, wakes all waiters and closes every idle
// connection. In-use connections are closed as they are released.
func (p *connPool) close() {
	p.sweepCancel()
	p.sweepWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)

	for _, st := range p.states {
		for _, conn := range st.idle {
			p.destroyLocked(conn)
		}
		st.idle = nil
	}
}
