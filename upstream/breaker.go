package upstream

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	// StateClosed means calls pass through normally.
	StateClosed BreakerState = iota
	// StateOpen means all calls are rejected without touching the network.
	StateOpen
	// StateHalfOpen means a single probe call is testing whether the
	// destination recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default values for BreakerConfig.
const (
	// DefaultFailureThreshold is the default number of consecutive
	// failures that trips the breaker.
	DefaultFailureThreshold = 5

	// DefaultSuccessThreshold is the default number of consecutive probe
	// successes required to close the breaker again.
	DefaultSuccessThreshold = 2

	// DefaultOpenTimeout is the default time the breaker stays open
	// before allowing a probe.
	DefaultOpenTimeout = 30 * time.Second
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that trips the breaker open.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive probe successes in
	// the half-open state required to close the breaker.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before the next
	// call is allowed through as a probe.
	// Default: 30s
	OpenTimeout time.Duration

	// Classifier decides which attempt classifications count as breaker
	// failures. The default counts timeout, connection-error and
	// server-error; client-error, rate-limited and parse-error prove the
	// destination is alive and count as successes.
	Classifier func(Class) bool

	// OnStateChange is called synchronously on every state transition,
	// under the breaker's lock: keep it fast and do not call back into
	// the breaker.
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns balanced defaults: trip after 5 consecutive
// failures, stay open 30s, close after 2 consecutive probe successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		OpenTimeout:      DefaultOpenTimeout,
	}
}

// defaultBreakerClassifier is the default failure set: only outcomes that
// suggest the destination itself is unreachable or failing count against it.
func defaultBreakerClassifier(class Class) bool {
	switch class {
	case ClassTimeout, ClassConnectionError, ClassServerError:
		return true
	default:
		return false
	}
}

// CircuitBreaker is a per-destination state machine that fails fast while a
// destination is unhealthy, then feels its way back with serial probes.
//
// Closed → open after FailureThreshold consecutive failures. Open → half-open
// once OpenTimeout has elapsed. In half-open exactly one call at a time may
// reach the network; concurrent callers are rejected as if the breaker were
// open. SuccessThreshold consecutive probe successes close the breaker; a
// single probe failure reopens it and restarts the open timer.
//
// Allow returns a generation token that must be passed back to Report or
// ReportAbort. Reports carrying a stale generation (from before a state
// transition) are dropped, so a slow in-flight call from a previous episode
// cannot corrupt the counters of the current one.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	generation    uint64
	failures      int
	successes     int
	probeInFlight bool
	openedAt      time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for the named destination,
// filling unset config fields with defaults.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Classifier == nil {
		cfg.Classifier = defaultBreakerClassifier
	}

	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow asks the breaker whether a call may proceed. On success it returns
// the current generation token; the caller must report the outcome with
// Report, or with ReportAbort if the call never reached the network.
// When the breaker rejects the call it returns ErrBreakerOpen.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateOpen:
		return 0, ErrBreakerOpen
	case StateHalfOpen:
		if cb.probeInFlight {
			// A probe is already feeling out the destination; reject
			// everyone else as if still open.
			return 0, ErrBreakerOpen
		}
		cb.probeInFlight = true
	}
	return cb.generation, nil
}

// Report records the classified outcome of a call admitted by Allow.
// Reports from a stale generation are ignored.
func (cb *CircuitBreaker) Report(gen uint64, class Class) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	if cb.cfg.Classifier(class) {
		cb.onFailureLocked()
	} else {
		cb.onSuccessLocked()
	}
}

// ReportAbort releases the probe slot held by Allow without counting an
// outcome. Use it when a local rejection (pool exhausted, rate limited)
// prevented the call from ever reaching the network: the probe proved
// nothing about the destination either way.
func (cb *CircuitBreaker) ReportAbort(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	cb.probeInFlight = false
}

// State returns the current state, applying the open-timeout transition if
// it is due.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// BreakerCounts is a snapshot of the breaker's internal counters.
type BreakerCounts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	ProbeInFlight        bool
	OpenedAt             time.Time
}

// Counts returns a snapshot of the breaker's counters for introspection.
func (cb *CircuitBreaker) Counts() BreakerCounts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.currentStateLocked()
	return BreakerCounts{
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		ProbeInFlight:        cb.probeInFlight,
		OpenedAt:             cb.openedAt,
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.setStateLocked(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		// Probe failed: reopen and restart the timer.
		cb.probeInFlight = false
		cb.setStateLocked(StateOpen)
	}
}

// currentStateLocked applies the time-based open→half-open transition and
// returns the resulting state. Callers must hold cb.mu.
func (cb *CircuitBreaker) currentStateLocked() BreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		cb.setStateLocked(StateHalfOpen)
	}
	return cb.state
}

// setStateLocked transitions to the given state, bumping the generation so
// in-flight reports from the previous state are dropped. Callers must hold
// cb.mu.
func (cb *CircuitBreaker) setStateLocked(state BreakerState) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.generation++

	switch state {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.probeInFlight = false
	case StateOpen:
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.probeInFlight = false
	case StateHalfOpen:
		cb.successes = 0
		cb.probeInFlight = false
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, state)
	}
}
