package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrPoolExhausted is returned by Acquire when the pool is at capacity
// and the context expires before a session frees.
var ErrPoolExhausted = errors.New("session pool exhausted")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool is closed")

// Default values for Config.
const (
	// DefaultMaxSessions is the default steady-state pool size.
	DefaultMaxSessions = 5

	// DefaultMaxOverflow is the default number of burst sessions allowed
	// beyond MaxSessions.
	DefaultMaxOverflow = 2

	// DefaultMaxIdleTime is the default idle lifetime of a session
	// before the sweep retires it.
	DefaultMaxIdleTime = 5 * time.Minute

	// DefaultMaxAge is the default total lifetime of a session. Sessions
	// past it are rotated out at release time.
	DefaultMaxAge = 30 * time.Minute

	// DefaultHealthCheckInterval is the default period between idle
	// session ping sweeps.
	DefaultHealthCheckInterval = 60 * time.Second

	// DefaultSweepInterval is the default period between idle-expiry
	// sweeps.
	DefaultSweepInterval = 30 * time.Second

	// DefaultProbeTimeout is the default per-ping deadline.
	DefaultProbeTimeout = 5 * time.Second
)

// Config sizes and paces the session pool.
// Use DefaultConfig() for balanced defaults, then modify as needed.
type Config struct {
	// MaxSessions is the steady-state cap on pinned sessions.
	// Default: 5
	MaxSessions int

	// MaxOverflow is the number of additional sessions that may be
	// created under burst load. Overflow sessions are retired when
	// released instead of returning to the idle set.
	// Default: 2, negative disables overflow
	MaxOverflow int

	// MaxIdleTime is how long a session may sit idle before the sweep
	// retires it.
	// Default: 5m
	MaxIdleTime time.Duration

	// MaxAge is the total lifetime of a session. A session past MaxAge
	// is rotated out when its current use completes; it is never retired
	// mid-use. Zero disables rotation.
	// Default: 30m
	MaxAge time.Duration

	// HealthCheckInterval is the period between ping sweeps over idle
	// sessions. Negative disables the background health sweep.
	// Default: 60s
	HealthCheckInterval time.Duration

	// SweepInterval is the period between idle-expiry sweeps.
	// Negative disables the background idle sweep.
	// Default: 30s
	SweepInterval time.Duration

	// ProbeTimeout bounds each individual health ping.
	// Default: 5s
	ProbeTimeout time.Duration
}

// DefaultConfig returns balanced defaults for general use.
func DefaultConfig() Config {
	return Config{
		MaxSessions:         DefaultMaxSessions,
		MaxOverflow:         DefaultMaxOverflow,
		MaxIdleTime:         DefaultMaxIdleTime,
		MaxAge:              DefaultMaxAge,
		HealthCheckInterval: DefaultHealthCheckInterval,
		SweepInterval:       DefaultSweepInterval,
		ProbeTimeout:        DefaultProbeTimeout,
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
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
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return cfg
}

// Stats is a snapshot of pool occupancy and lifetime counters.
type Stats struct {
	// Active is the number of sessions currently held by callers.
	Active int
	// Idle is the number of sessions waiting in the pool.
	Idle int
	// Waiting is the number of callers blocked in Acquire.
	Waiting int
	// TotalCreated counts sessions opened over the pool's lifetime.
	TotalCreated uint64
	// TotalDestroyed counts sessions retired over the pool's lifetime.
	TotalDestroyed uint64
	// Rotations counts sessions retired because they reached MaxAge.
	Rotations uint64
	// MaxSessions and MaxOverflow echo the effective configuration.
	MaxSessions int
	MaxOverflow int
}

// Pool manages pinned database sessions: validated idle reuse, creation
// below the size cap, bounded waiting, age-based rotation, idle expiry
// and ping sweeps. The mutex is never held across database I/O.
//
// The Pool draws sessions from a *sqlx.DB it does not own. The
// database's own MaxOpenConns should be at least
// MaxSessions+MaxOverflow, or session creation will queue inside
// database/sql as well.
type Pool struct {
	db  *sqlx.DB
	cfg Config
	c   *config

	mu        sync.Mutex
	idle      []*Session
	inUse     map[*Session]struct{}
	total     int
	waiting   int
	closed    bool
	created   uint64
	destroyed uint64
	rotations uint64

	// free receives one token per freed slot so a blocked Acquire can
	// re-check. Tokens beyond the channel capacity are dropped, which is
	// safe: the buffer holds one per possible slot.
	free chan struct{}
	done chan struct{}

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup

	now func() time.Time
}

// New builds a session pool over db. The pool starts its background
// sweeps immediately; Close stops them.
func New(db *sqlx.DB, cfg Config, opts ...Option) (*Pool, error) {
	if db == nil {
		return nil, errors.New("dbpool: db is required")
	}
	cfg = normalizeConfig(cfg)

	p := &Pool{
		db:    db,
		cfg:   cfg,
		c:     newConfig(opts...),
		inUse: make(map[*Session]struct{}),
		free:  make(chan struct{}, cfg.MaxSessions+cfg.MaxOverflow),
		done:  make(chan struct{}),
		now:   time.Now,
	}

	if err := p.c.Metrics.registerOccupancy(p.c.Meter, p.Stats, p.c.baseAttributes()); err != nil {
		p.c.Logger.Warn().Err(err).Msg("pool occupancy metrics not registered")
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
	return p, nil
}

// Acquire returns a pinned session. Idle sessions are validated before
// reuse; a new session is opened while the pool is below
// MaxSessions+MaxOverflow; otherwise the caller waits until a session
// frees or ctx expires, in which case the error is ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	start := p.now()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Validated idle reuse, newest first.
		for len(p.idle) > 0 {
			s := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if reason := p.retireReasonLocked(s); reason != "" {
				p.destroyLocked(s, reason)
				continue
			}
			p.inUse[s] = struct{}{}
			s.usageCount++
			p.mu.Unlock()
			p.c.Metrics.recordAcquire(ctx, p.now().Sub(start), p.c.baseAttributes(), nil)
			return s, nil
		}

		// Open while below the cap. The slot is reserved under the lock
		// and the dial happens outside it.
		if p.total < p.cfg.MaxSessions+p.cfg.MaxOverflow {
			overflow := p.total >= p.cfg.MaxSessions
			p.total++
			p.mu.Unlock()

			s, err := p.open(ctx, overflow)
			if err != nil {
				p.c.Metrics.recordAcquire(ctx, p.now().Sub(start), p.c.baseAttributes(), err)
				return nil, err
			}
			p.c.Metrics.recordAcquire(ctx, p.now().Sub(start), p.c.baseAttributes(), nil)
			return s, nil
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
			return nil, ErrPoolClosed
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			err := fmt.Errorf("%w: %s", ErrPoolExhausted, ctx.Err())
			p.c.Metrics.recordAcquire(ctx, p.now().Sub(start), p.c.baseAttributes(), err)
			return nil, err
		}
	}
}

// open dials a new pinned session for a slot already reserved in total.
func (p *Pool) open(ctx context.Context, overflow bool) (*Session, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.signalLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("dbpool: open session: %w", err)
	}

	now := p.now()
	s := &Session{
		id:          newSessionID(),
		conn:        conn,
		cfg:         p.c,
		createdAt:   now,
		lastUsed:    now,
		lastChecked: now,
		healthy:     true,
		overflow:    overflow,
	}

	p.mu.Lock()
	p.created++
	p.inUse[s] = struct{}{}
	s.usageCount++
	p.mu.Unlock()

	p.c.Logger.Debug().
		Str("session_id", s.id).
		Bool("overflow", overflow).
		Msg("session opened")
	return s, nil
}

// Release returns a session to the pool. It is idempotent: releasing a
// session that is not in use is a no-op. Overflow sessions, unhealthy
// sessions and sessions past MaxAge are retired here, after their
// current use has completed.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.inUse[s]; !held {
		// Double release: never corrupt accounting.
		return
	}
	delete(p.inUse, s)
	s.lastUsed = p.now()

	switch {
	case p.closed:
		p.destroyLocked(s, "pool closed")
	case !s.healthy:
		p.destroyLocked(s, "unhealthy")
	case s.overflow:
		p.destroyLocked(s, "overflow")
	case p.cfg.MaxAge > 0 && p.now().Sub(s.createdAt) >= p.cfg.MaxAge:
		p.rotations++
		p.destroyLocked(s, "max age")
	default:
		p.idle = append(p.idle, s)
		p.signalLocked()
	}
}

// WithSession runs fn with an acquired session and releases it on every
// exit path, including a panic inside fn.
func (p *Pool) WithSession(ctx context.Context, fn func(*Session) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s)
}

// retireReasonLocked reports why an idle session must not be reused, or
// "" when it is fit for another use. An age-based retirement counts as
// a rotation here, so callers only log and destroy.
func (p *Pool) retireReasonLocked(s *Session) string {
	now := p.now()
	switch {
	case !s.healthy:
		return "unhealthy"
	case now.Sub(s.lastUsed) > p.cfg.MaxIdleTime:
		return "idle expired"
	case p.cfg.MaxAge > 0 && now.Sub(s.createdAt) >= p.cfg.MaxAge:
		p.rotations++
		return "max age"
	default:
		return ""
	}
}

func (p *Pool) destroyLocked(s *Session, reason string) {
	if err := s.conn.Close(); err != nil {
		p.c.Logger.Warn().
			Err(err).
			Str("session_id", s.id).
			Str("reason", reason).
			Msg("session close failed")
	} else {
		p.c.Logger.Debug().
			Str("session_id", s.id).
			Str("reason", reason).
			Int64("usage_count", s.usageCount).
			Msg("session retired")
	}
	p.total--
	p.destroyed++
	p.signalLocked()
}

func (p *Pool) signalLocked() {
	select {
	case p.free <- struct{}{}:
	default:
	}
}

// evictIdle retires idle sessions unused for longer than MaxIdleTime
// and, when rotation is enabled, idle sessions past MaxAge. The
// background sweep calls this every SweepInterval; it is also safe to
// call directly.
func (p *Pool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, s := range p.idle {
		if reason := p.retireReasonLocked(s); reason != "" {
			p.destroyLocked(s, reason)
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
}

// healthCheckNow pings every idle session once, retiring sessions that
// fail. Sessions are reserved one at a time and the pool lock is
// released while the ping is on the wire, so callers are never blocked
// behind a slow probe. In-use sessions are never pinged.
func (p *Pool) healthCheckNow(ctx context.Context) {
	start := p.now()
	for {
		s := p.reserveUnchecked(start)
		if s == nil {
			return
		}

		err := s.ping(ctx, p.cfg.ProbeTimeout)

		p.mu.Lock()
		s.lastChecked = p.now()
		if err == nil && !p.closed {
			p.idle = append(p.idle, s)
			// Wake anyone who started waiting while this session was
			// reserved for pinging.
			p.signalLocked()
			p.mu.Unlock()
			continue
		}
		s.healthy = false
		p.destroyLocked(s, "probe failed")
		p.mu.Unlock()
		p.c.Logger.Warn().
			Err(err).
			Str("session_id", s.id).
			Msg("health probe failed, retiring session")
	}
}

// reserveUnchecked removes and returns one idle session not yet pinged
// this sweep, or nil when none remain.
func (p *Pool) reserveUnchecked(sweepStart time.Time) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.idle {
		if s.lastChecked.Before(sweepStart) {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return s
		}
	}
	return nil
}

func (p *Pool) idleSweepLoop(ctx context.Context) {
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

func (p *Pool) healthSweepLoop(ctx context.Context) {
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

// Stats returns an occupancy snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Active:         len(p.inUse),
		Idle:           len(p.idle),
		Waiting:        p.waiting,
		TotalCreated:   p.created,
		TotalDestroyed: p.destroyed,
		Rotations:      p.rotations,
		MaxSessions:    p.cfg.MaxSessions,
		MaxOverflow:    p.cfg.MaxOverflow,
	}
}

// Close stops the sweeps, wakes all waiters and retires every idle
// session. In-use sessions are retired as they are released. The
// underlying *sqlx.DB stays open; the caller owns it.
func (p *Pool) Close() error {
	p.sweepCancel()
	p.sweepWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	for _, s := range p.idle {
		p.destroyLocked(s, "pool closed")
	}
	p.idle = nil
	return nil
}
