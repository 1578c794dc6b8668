package upstream

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of a destination's call history: plain
// process-local counters plus latency percentiles over a sliding window of
// recent attempts. It complements, not replaces, the OTel instruments: this
// snapshot is what Stats(), the ops state endpoint and tests read without a
// metrics pipeline.
type Stats struct {
	// Calls counts Execute invocations.
	Calls uint64
	// Attempts counts network attempts across all calls.
	Attempts uint64
	// Successes counts calls that returned a response.
	Successes uint64
	// Failures counts calls that returned an error.
	Failures uint64
	// RetriesExhausted counts failed calls that used their whole budget.
	RetriesExhausted uint64
	// BreakerRejections counts calls rejected by the breaker locally.
	BreakerRejections uint64
	// ByClass counts attempts by outcome classification.
	ByClass map[Class]uint64
	// LatencyP50/P95/P99 are attempt latency percentiles over the window.
	// Zero until the window holds enough samples.
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
	// Samples is the number of latency samples currently in the window.
	Samples int
}

// Default sizing for the latency window.
const (
	defaultStatsWindow     = 256
	defaultStatsMinSamples = 10
)

// destinationStats accumulates counters and latency samples for one client.
// Counters are atomics; the latency window is a mutex-guarded circular
// buffer. Safe for concurrent use.
type destinationStats struct {
	calls             atomic.Uint64
	attempts          atomic.Uint64
	successes         atomic.Uint64
	failures          atomic.Uint64
	retriesExhausted  atomic.Uint64
	breakerRejections atomic.Uint64
	byClass           [ClassPoolExhausted + 1]atomic.Uint64

	mu         sync.Mutex
	samples    []time.Duration
	head       int
	count      int
	minSamples int
}

func newDestinationStats() *destinationStats {
	return &destinationStats{
		samples:    make([]time.Duration, defaultStatsWindow),
		minSamples: defaultStatsMinSamples,
	}
}

// recordAttempt adds one network attempt outcome and its latency sample.
func (s *destinationStats) recordAttempt(class Class, latency time.Duration) {
	s.attempts.Add(1)
	if class >= 0 && class <= ClassPoolExhausted {
		s.byClass[class].Add(1)
	}

	s.mu.Lock()
	s.samples[s.head] = latency
	s.head = (s.head + 1) % len(s.samples)
	if s.count < len(s.samples) {
		s.count++
	}
	s.mu.Unlock()
}

// recordClass bumps the per-class counter without counting an attempt.
// Used for decode failures, which happen after the network attempt has
// already been recorded as a success.
func (s *destinationStats) recordClass(class Class) {
	if class >= 0 && class <= ClassPoolExhausted {
		s.byClass[class].Add(1)
	}
}

// recordCall adds one completed Execute invocation.
func (s *destinationStats) recordCall(success, exhausted bool) {
	s.calls.Add(1)
	if success {
		s.successes.Add(1)
		return
	}
	s.failures.Add(1)
	if exhausted {
		s.retriesExhausted.Add(1)
	}
}

// recordBreakerRejection adds one local breaker rejection.
func (s *destinationStats) recordBreakerRejection() {
	s.breakerRejections.Add(1)
}

// snapshot returns a consistent copy of the counters and percentiles.
func (s *destinationStats) snapshot() Stats {
	out := Stats{
		Calls:             s.calls.Load(),
		Attempts:          s.attempts.Load(),
		Successes:         s.successes.Load(),
		Failures:          s.failures.Load(),
		RetriesExhausted:  s.retriesExhausted.Load(),
		BreakerRejections: s.breakerRejections.Load(),
		ByClass:           make(map[Class]uint64),
	}
	for class := ClassSuccess; class <= ClassPoolExhausted; class++ {
		if n := s.byClass[class].Load(); n > 0 {
			out.ByClass[class] = n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out.Samples = s.count
	if s.count < s.minSamples {
		return out
	}

	// Copy samples for sorting so the circular buffer keeps its order.
	sorted := make([]time.Duration, s.count)
	copy(sorted, s.samples[:s.count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out.LatencyP50 = percentileOf(sorted, 0.50)
	out.LatencyP95 = percentileOf(sorted, 0.95)
	out.LatencyP99 = percentileOf(sorted, 0.99)
	return out
}

// percentileOf reads the p-th percentile from an ascending sample slice.
func percentileOf(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
